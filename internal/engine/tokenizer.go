package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tokenizer is a byte-level BPE tokenizer loaded from the vocab.json and
// merges.txt files shipped alongside the exported model.
type Tokenizer struct {
	vocab   map[string]int64
	inverse map[int64]string
	ranks   map[mergePair]int
	byteEnc [256]rune
	byteDec map[rune]byte
	eosID   int64
}

type mergePair struct {
	left, right string
}

const eosToken = "<|endoftext|>"

// NewTokenizer loads the vocabulary and merge ranks from disk.
func NewTokenizer(vocabPath, mergesPath string) (*Tokenizer, error) {
	raw, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("read vocab failed: %w", err)
	}
	var vocab map[string]int64
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab failed: %w", err)
	}

	f, err := os.Open(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("open merges failed: %w", err)
	}
	defer f.Close()

	ranks := make(map[mergePair]int)
	sc := bufio.NewScanner(f)
	rank := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		ranks[mergePair{parts[0], parts[1]}] = rank
		rank++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read merges failed: %w", err)
	}

	t := &Tokenizer{
		vocab:   vocab,
		inverse: make(map[int64]string, len(vocab)),
		ranks:   ranks,
		byteDec: make(map[rune]byte, 256),
		eosID:   -1,
	}
	for tok, id := range vocab {
		t.inverse[id] = tok
	}
	if id, ok := vocab[eosToken]; ok {
		t.eosID = id
	}
	t.initByteMaps()
	return t, nil
}

// initByteMaps builds the reversible byte-to-printable-rune mapping used by
// byte-level BPE so every byte has a visible representation in the vocab.
func (t *Tokenizer) initByteMaps() {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			t.byteEnc[b] = rune(b)
		} else {
			t.byteEnc[b] = rune(256 + next)
			next++
		}
		t.byteDec[t.byteEnc[b]] = byte(b)
	}
}

// EOS returns the end-of-text token id, or -1 if the vocab has none.
func (t *Tokenizer) EOS() int64 { return t.eosID }

// Encode maps text to token ids. Symbols absent from the vocabulary are
// dropped rather than failing generation.
func (t *Tokenizer) Encode(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(text) {
		for _, sym := range t.bpe(word) {
			if id, ok := t.vocab[sym]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Decode maps token ids back to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int64) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.inverse[id])
	}
	out := make([]byte, 0, sb.Len())
	for _, r := range sb.String() {
		if b, ok := t.byteDec[r]; ok {
			out = append(out, b)
		}
	}
	return string(out)
}

// bpe applies the merge ranks to one word and returns its final symbols.
func (t *Tokenizer) bpe(word string) []string {
	// Map raw bytes through the byte encoder first.
	symbols := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		symbols = append(symbols, string(t.byteEnc[word[i]]))
	}

	for len(symbols) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			if r, ok := t.ranks[mergePair{symbols[i], symbols[i+1]}]; ok {
				if bestRank == -1 || r < bestRank {
					bestRank = r
					bestIdx = i
				}
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx], append([]string{merged}, symbols[bestIdx+2:]...)...)
	}
	return symbols
}

// splitWords cuts text into BPE words: each run of non-space characters
// keeps its single leading space, so " report" and "report" tokenize to
// distinct symbols the way the merges file expects.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	for i := 0; i < len(text); i++ {
		b := text[i]
		if b == ' ' {
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
			cur.WriteByte(' ')
			continue
		}
		cur.WriteByte(b)
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}
