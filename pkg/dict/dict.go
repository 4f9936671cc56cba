// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dict loads keyword dictionaries for the dictionary-swap mutation.
// A dictionary file holds one word per line with no blank lines and no
// duplicates; a usable dictionary has at least two words, so a matched word
// always has a distinct replacement.
package dict

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// MaxDicts bounds how many dictionaries may be loaded at once.
const MaxDicts = 32

// MaxWordLen bounds a single dictionary word.
const MaxWordLen = 128

type Dict struct {
	Path  string
	Words []string
}

// FromFile reads a dictionary file and validates it.
func FromFile(path string) (*Dict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := &Dict{Path: path}
	seen := make(map[string]bool)
	s := bufio.NewScanner(f)
	for line := 1; s.Scan(); line++ {
		word := s.Text()
		if word == "" {
			return nil, fmt.Errorf("%v:%v: empty line", path, line)
		}
		if len(word) > MaxWordLen {
			return nil, fmt.Errorf("%v:%v: word exceeds %v bytes", path, line, MaxWordLen)
		}
		if seen[word] {
			return nil, fmt.Errorf("%v:%v: duplicated word %q", path, line, word)
		}
		seen[word] = true
		d.Words = append(d.Words, word)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(d.Words) < 2 {
		return nil, fmt.Errorf("%v: a dictionary needs at least two words", path)
	}
	return d, nil
}

// LoadList loads a comma-separated list of dictionary file paths, as passed
// through the MUT_DICT environment variable.
func LoadList(list string) ([]*Dict, error) {
	var dicts []*Dict
	for _, path := range strings.Split(list, ",") {
		if path == "" {
			continue
		}
		d, err := FromFile(path)
		if err != nil {
			return nil, err
		}
		dicts = append(dicts, d)
		if len(dicts) > MaxDicts {
			return nil, fmt.Errorf("cannot load more than %v dictionaries", MaxDicts)
		}
	}
	return dicts, nil
}

// Contains reports whether the word is present in the dictionary.
func (d *Dict) Contains(word string) bool {
	for _, w := range d.Words {
		if w == word {
			return true
		}
	}
	return false
}

// Random returns a uniformly chosen word.
func (d *Dict) Random(r *rand.Rand) string {
	return d.Words[r.Intn(len(d.Words))]
}

// RandomOther returns a uniformly chosen word distinct from the given one.
func (d *Dict) RandomOther(r *rand.Rand, word string) string {
	for {
		if w := d.Random(r); w != word {
			return w
		}
	}
}
