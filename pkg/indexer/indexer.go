// Package indexer provides full-text indexing of item property
// content. The native indexer keeps an inverted word list in memory
// and persists it as one snappy-compressed file under the db
// directory, loaded lazily on first use.
package indexer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	log "github.com/sirupsen/logrus"
)

// Entry identifies one indexed piece of text: a property of an item.
type Entry struct {
	Classname string `json:"c"`
	ID        string `json:"i"`
	Property  string `json:"p"`
}

func (e Entry) key() string { return e.Classname + ":" + e.ID + ":" + e.Property }

// QueryError reports a search expression the indexer cannot use,
// typically because every term is too short or a stopword.
type QueryError struct {
	Msg string
}

func (e *QueryError) Error() string { return e.Msg }

// Indexer is implemented by the native indexer and by test doubles.
type Indexer interface {
	// Add indexes text under the entry, replacing any previous text.
	Add(e Entry, text string)
	// Remove purges the entry from the index.
	Remove(e Entry)
	// Search returns the entries whose text contains every term.
	Search(terms []string) ([]Entry, error)
	// Save makes staged changes durable.
	Save() error
	// Rollback discards staged changes since the last Save.
	Rollback()
	Close() error
}

var wordRE = regexp.MustCompile(`\w{2,50}`)

// Words all too common to be worth indexing.
var defaultStopwords = []string{
	"A", "AND", "ARE", "AS", "AT", "BE", "BUT", "BY", "FOR", "IF",
	"IN", "INTO", "IS", "IT", "NO", "NOT", "OF", "ON", "OR", "SUCH",
	"THAT", "THE", "THEIR", "THEN", "THERE", "THESE", "THEY", "THIS",
	"TO", "WAS", "WILL", "WITH",
}

type fileInfo struct {
	FileID    int `json:"f"`
	WordCount int `json:"w"`
}

type indexState struct {
	// WORD -> fileid -> occurrence count
	Words map[string]map[int]int `json:"words"`
	// entry key -> file record
	Files map[string]fileInfo `json:"files"`
	// fileid -> entry key, rebuilt on load
	names  map[int]string
	NextID int `json:"next"`
}

// Native is the built-in indexer.
type Native struct {
	path      string
	umask     os.FileMode
	stopwords map[string]bool

	state  *indexState // nil until loaded
	saved  []byte      // serialized form at last load/save, for rollback
	dirty  bool
}

// NewNative returns an indexer persisting to <dbdir>/index.snappy.
// Extra stopwords (already uppercased) extend the built-in list.
func NewNative(dbdir string, umask os.FileMode, stopwords []string) *Native {
	sw := make(map[string]bool, len(defaultStopwords)+len(stopwords))
	for _, w := range defaultStopwords {
		sw[w] = true
	}
	for _, w := range stopwords {
		sw[w] = true
	}
	return &Native{path: filepath.Join(dbdir, "index.snappy"), umask: umask, stopwords: sw}
}

func (n *Native) load() *indexState {
	if n.state != nil {
		return n.state
	}
	n.state = &indexState{
		Words: map[string]map[int]int{},
		Files: map[string]fileInfo{},
		names: map[int]string{},
	}
	data, err := os.ReadFile(n.path)
	if err == nil {
		raw, err := snappy.Decode(nil, data)
		if err == nil {
			err = json.Unmarshal(raw, n.state)
		}
		if err != nil {
			log.Errorf("indexer: corrupt index %s, starting empty: %v", n.path, err)
		}
	}
	if n.state.names == nil {
		n.state.names = map[int]string{}
	}
	for key, fi := range n.state.Files {
		n.state.names[fi.FileID] = key
	}
	n.saved = n.serialize()
	return n.state
}

func (n *Native) serialize() []byte {
	raw, err := json.Marshal(n.state)
	if err != nil {
		// the state is plain maps of strings and ints
		panic(fmt.Sprintf("indexer: marshal: %v", err))
	}
	return raw
}

func (n *Native) splitWords(text string) []string {
	var words []string
	for _, w := range wordRE.FindAllString(strings.ToUpper(text), -1) {
		if !n.stopwords[w] {
			words = append(words, w)
		}
	}
	return words
}

// Add implements Indexer.
func (n *Native) Add(e Entry, text string) {
	st := n.load()
	n.Remove(e)
	words := n.splitWords(text)
	fileid := st.NextID
	st.NextID++
	st.Files[e.key()] = fileInfo{FileID: fileid, WordCount: len(words)}
	st.names[fileid] = e.key()
	for _, w := range words {
		entry := st.Words[w]
		if entry == nil {
			entry = map[int]int{}
			st.Words[w] = entry
		}
		entry[fileid]++
	}
	n.dirty = true
}

// Remove implements Indexer.
func (n *Native) Remove(e Entry) {
	st := n.load()
	fi, ok := st.Files[e.key()]
	if !ok {
		return
	}
	for w, entry := range st.Words {
		delete(entry, fi.FileID)
		if len(entry) == 0 {
			delete(st.Words, w)
		}
	}
	delete(st.Files, e.key())
	delete(st.names, fi.FileID)
	n.dirty = true
}

// Search implements Indexer. Entries must contain every term.
func (n *Native) Search(terms []string) ([]Entry, error) {
	st := n.load()
	var words []string
	for _, term := range terms {
		for _, w := range wordRE.FindAllString(strings.ToUpper(term), -1) {
			if n.stopwords[w] {
				continue
			}
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return nil, &QueryError{Msg: fmt.Sprintf(
			"no usable search terms in %q (too short or too common)", strings.Join(terms, " "))}
	}
	var hits map[int]bool
	for _, w := range words {
		entry := st.Words[w]
		if len(entry) == 0 {
			return nil, nil
		}
		if hits == nil {
			hits = make(map[int]bool, len(entry))
			for fileid := range entry {
				hits[fileid] = true
			}
			continue
		}
		for fileid := range hits {
			if _, ok := entry[fileid]; !ok {
				delete(hits, fileid)
			}
		}
		if len(hits) == 0 {
			return nil, nil
		}
	}
	fileids := make([]int, 0, len(hits))
	for fileid := range hits {
		fileids = append(fileids, fileid)
	}
	sort.Ints(fileids)
	entries := make([]Entry, 0, len(fileids))
	for _, fileid := range fileids {
		key := st.names[fileid]
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, Entry{Classname: parts[0], ID: parts[1], Property: parts[2]})
	}
	return entries, nil
}

// Save implements Indexer.
func (n *Native) Save() error {
	if !n.dirty || n.state == nil {
		return nil
	}
	raw := n.serialize()
	if err := os.MkdirAll(filepath.Dir(n.path), 0o777&^n.umask|0o700); err != nil {
		return fmt.Errorf("indexer: %w", err)
	}
	tmp := n.path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, raw), 0o666&^n.umask); err != nil {
		return fmt.Errorf("indexer: %w", err)
	}
	if err := os.Rename(tmp, n.path); err != nil {
		return fmt.Errorf("indexer: %w", err)
	}
	n.saved = raw
	n.dirty = false
	return nil
}

// Rollback implements Indexer.
func (n *Native) Rollback() {
	if !n.dirty || n.state == nil {
		return
	}
	st := &indexState{}
	if err := json.Unmarshal(n.saved, st); err != nil {
		panic(fmt.Sprintf("indexer: rollback: %v", err))
	}
	if st.Words == nil {
		st.Words = map[string]map[int]int{}
	}
	if st.Files == nil {
		st.Files = map[string]fileInfo{}
	}
	st.names = map[int]string{}
	for key, fi := range st.Files {
		st.names[fi.FileID] = key
	}
	n.state = st
	n.dirty = false
}

// Close implements Indexer.
func (n *Native) Close() error {
	return n.Save()
}
