package admin

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

// Export writes one CSV file per class into dir: a header of property
// names plus a trailing "is retired" column, then one row per item,
// retired items included. Journalled classes get a second
// <class>-journals.csv file. An empty classnames list exports
// everything.
func (a *Admin) Export(dir string, classnames []string) error {
	if len(classnames) == 0 {
		classnames = a.db.Classes()
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	for _, classname := range classnames {
		cl, err := a.db.GetClass(classname)
		if err != nil {
			return err
		}
		if err := a.exportClass(dir, cl); err != nil {
			return err
		}
	}
	return nil
}

func exportColumns(cl *hyperdb.Class) []string {
	names := make([]string, 0, len(cl.Properties()))
	for name := range cl.Properties() {
		if name == "id" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Admin) exportClass(dir string, cl *hyperdb.Class) error {
	f, err := os.Create(filepath.Join(dir, cl.Name()+".csv"))
	if err != nil {
		return fmt.Errorf("export %s: %w", cl.Name(), err)
	}
	defer f.Close()
	w := csv.NewWriter(f)

	cols := exportColumns(cl)
	props := cl.Properties()
	header := append([]string{"id"}, cols...)
	header = append(header, "is retired")
	if err := w.Write(header); err != nil {
		return err
	}

	ids, err := cl.ListAll()
	if err != nil {
		return err
	}
	for _, id := range ids {
		record := []string{id}
		for _, name := range cols {
			v, err := cl.Get(id, name)
			if err != nil {
				return err
			}
			sv, err := props[name].ToStorage(v)
			if err != nil {
				return err
			}
			record = append(record, encodeCell(sv))
		}
		retired, err := cl.IsRetired(id)
		if err != nil {
			return err
		}
		record = append(record, strconv.FormatBool(retired))
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export %s: %w", cl.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export %s: %w", cl.Name(), err)
	}

	if cl.Journalled() {
		if err := a.exportJournals(dir, cl, ids); err != nil {
			return err
		}
	}
	log.Debugf("admin: exported %d %s items", len(ids), cl.Name())
	return nil
}

func (a *Admin) exportJournals(dir string, cl *hyperdb.Class, ids []string) error {
	f, err := os.Create(filepath.Join(dir, cl.Name()+"-journals.csv"))
	if err != nil {
		return fmt.Errorf("export %s journals: %w", cl.Name(), err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"nodeid", "entryid", "date", "actor", "action", "params"}); err != nil {
		return err
	}
	for _, id := range ids {
		entries, err := cl.History(id)
		if err != nil {
			return err
		}
		for _, e := range entries {
			params := ""
			if e.Params != nil {
				raw, err := json.Marshal(e.Params)
				if err != nil {
					return fmt.Errorf("export %s journals: %w", cl.Name(), err)
				}
				params = string(raw)
			}
			if err := w.Write([]string{id, e.ID, e.Timestamp, e.Actor, e.Action, params}); err != nil {
				return err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export %s journals: %w", cl.Name(), err)
	}
	return f.Close()
}

// encodeCell flattens a storage primitive to its CSV text.
func encodeCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []string:
		return strings.Join(x, ",")
	}
	return fmt.Sprint(v)
}

// decodeCell is the inverse of encodeCell. An empty cell is an unset
// value.
func decodeCell(kind storage.PropKind, cell string) (any, error) {
	if cell == "" {
		return nil, nil
	}
	switch kind {
	case storage.KindNumber:
		n, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", cell, err)
		}
		return n, nil
	case storage.KindBoolean:
		b, err := strconv.ParseBool(cell)
		if err != nil {
			return nil, fmt.Errorf("bad boolean %q: %w", cell, err)
		}
		return b, nil
	case storage.KindMultilink:
		return strings.Split(cell, ","), nil
	}
	return cell, nil
}

// Import loads the CSV files written by Export, preserving item ids
// and journals. The caller commits afterwards.
func (a *Admin) Import(dir string) error {
	for _, classname := range a.db.Classes() {
		cl, err := a.db.GetClass(classname)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, classname+".csv")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		n, err := a.importClass(path, cl)
		if err != nil {
			return err
		}
		if cl.Journalled() {
			jpath := filepath.Join(dir, classname+"-journals.csv")
			if _, err := os.Stat(jpath); err == nil {
				if err := a.importJournals(jpath, cl); err != nil {
					return err
				}
			}
		}
		log.Debugf("admin: imported %d %s items", n, classname)
	}
	return nil
}

func (a *Admin) importClass(path string, cl *hyperdb.Class) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", cl.Name(), err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", cl.Name(), err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	header := records[0]
	if len(header) < 2 || header[0] != "id" || header[len(header)-1] != "is retired" {
		return 0, fmt.Errorf("import %s: malformed header", cl.Name())
	}
	props := cl.Properties()
	for _, name := range header[1 : len(header)-1] {
		if _, ok := props[name]; !ok {
			return 0, fmt.Errorf("import %s: unknown property %q", cl.Name(), name)
		}
	}
	for _, record := range records[1:] {
		if len(record) != len(header) {
			return 0, fmt.Errorf("import %s: ragged row for id %q", cl.Name(), record[0])
		}
		id := record[0]
		values := map[string]any{}
		for i, name := range header[1 : len(header)-1] {
			t := props[name]
			sv, err := decodeCell(t.Kind(), record[i+1])
			if err != nil {
				return 0, fmt.Errorf("import %s%s.%s: %w", cl.Name(), id, name, err)
			}
			if sv == nil {
				continue
			}
			v, err := t.FromStorage(sv)
			if err != nil {
				return 0, fmt.Errorf("import %s%s.%s: %w", cl.Name(), id, name, err)
			}
			values[name] = v
		}
		retired, err := strconv.ParseBool(record[len(record)-1])
		if err != nil {
			return 0, fmt.Errorf("import %s%s: bad retired flag %q", cl.Name(), id, record[len(record)-1])
		}
		if err := cl.ImportItem(id, values, retired); err != nil {
			return 0, err
		}
	}
	return len(records) - 1, nil
}

func (a *Admin) importJournals(path string, cl *hyperdb.Class) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("import %s journals: %w", cl.Name(), err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("import %s journals: %w", cl.Name(), err)
	}
	if len(records) < 2 {
		return nil
	}
	byNode := map[string][]storage.JournalEntry{}
	var order []string
	for _, record := range records[1:] {
		if len(record) != 6 {
			return fmt.Errorf("import %s journals: ragged row", cl.Name())
		}
		entry := storage.JournalEntry{
			ID:        record[1],
			Timestamp: record[2],
			Actor:     record[3],
			Action:    record[4],
		}
		if record[5] != "" {
			var params any
			if err := json.Unmarshal([]byte(record[5]), &params); err != nil {
				return fmt.Errorf("import %s journals: %w", cl.Name(), err)
			}
			entry.Params = params
		}
		nodeid := record[0]
		if _, seen := byNode[nodeid]; !seen {
			order = append(order, nodeid)
		}
		byNode[nodeid] = append(byNode[nodeid], entry)
	}
	for _, nodeid := range order {
		if err := cl.ImportJournal(nodeid, byNode[nodeid]); err != nil {
			return err
		}
	}
	return nil
}
