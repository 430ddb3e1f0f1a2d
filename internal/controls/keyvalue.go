// Package controls reads and writes per-image control and mask files.
//
// Both are plain text with one "key:value" pair per line. Values are JSON
// literals so numbers, flags, lists and strings round-trip without a
// bespoke grammar. Every file carries a "version" key; older files are
// brought forward by an explicit migration chain before decoding.
package controls

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// record is one decoded file: key to raw JSON value.
type record map[string]json.RawMessage

func readRecord(r io.Reader) (record, error) {
	rec := record{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: missing ':' separator", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("line %d: value for %q is not a valid literal", line, key)
		}
		rec[key] = json.RawMessage(value)
	}
	if err := sc.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read control file")
	}
	return rec, nil
}

// writeRecord writes "version" first and the other keys in sorted order.
func writeRecord(w io.Writer, rec record) error {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if k != versionKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := rec[versionKey]; ok {
		keys = append([]string{versionKey}, keys...)
	}

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s:%s\n", k, rec[k]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// flatten merges the JSON objects of several structs into one record.
func flatten(parts ...any) (record, error) {
	rec := record{}
	for _, p := range parts {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		for k, v := range m {
			rec[k] = v
		}
	}
	return rec, nil
}

// decodeInto fills each target from the record; keys a target does not
// know are ignored and fields the record lacks keep their current value.
func decodeInto(rec record, targets ...any) error {
	data, err := json.Marshal(map[string]json.RawMessage(rec))
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := json.Unmarshal(data, t); err != nil {
			return err
		}
	}
	return nil
}

func (rec record) setDefault(key string, value any) error {
	if _, ok := rec[key]; ok {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	rec[key] = data
	return nil
}

func (rec record) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	rec[key] = data
	return nil
}

const versionKey = "version"

// version returns the file version; files without the key are version 0.
func (rec record) version() (int, error) {
	raw, ok := rec[versionKey]
	if !ok {
		return 0, nil
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("bad version %s", raw)
	}
	return v, nil
}

// migration brings a record from one version to the next.
type migration func(record) error

// migrate runs the chain from the record's version up to len(chain).
func migrate(rec record, chain []migration) error {
	v, err := rec.version()
	if err != nil {
		return err
	}
	if v > len(chain) {
		return fmt.Errorf("file version %d is newer than supported version %d", v, len(chain))
	}
	for ; v < len(chain); v++ {
		if err := chain[v](rec); err != nil {
			return pkgerrors.Wrapf(err, "migrating from version %d", v)
		}
		if err := rec.set(versionKey, v+1); err != nil {
			return err
		}
	}
	return nil
}
