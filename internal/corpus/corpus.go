package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Document is a group of consecutive sentences from the corpus file.
// Next-sentence sampling only pairs sentences within one document.
type Document struct {
	Sentences []string
}

// ReadDocuments parses the BERT pretraining corpus format: one sentence
// per line, documents separated by blank lines. Documents without any
// sentences are dropped.
func ReadDocuments(r io.Reader) ([]Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var docs []Document
	var current []string
	flush := func() {
		if len(current) > 0 {
			docs = append(docs, Document{Sentences: current})
			current = nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// LoadDocuments reads a corpus file from disk.
func LoadDocuments(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	docs, err := ReadDocuments(f)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("corpus %s contains no documents", path)
	}
	documentsRead.Add(float64(len(docs)))
	return docs, nil
}
