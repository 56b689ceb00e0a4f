package enroll

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/andresmejia3/smartlock/internal/types"
)

// ErrEmptyDataset is returned when there is nothing to train on.
var ErrEmptyDataset = errors.New("no face images found to train on")

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".pgm": true}

// Dataset is the labelled training set built from the faces directory.
type Dataset struct {
	Samples []types.TrainSample
	Labels  map[int]string
}

// BuildDataset scans dir/<person>/ directories. Persons are sorted by name
// and labelled from 0, so ids are stable for an unchanged set of persons.
func BuildDataset(dir string) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrEmptyDataset
	}
	if err != nil {
		return nil, fmt.Errorf("read faces dir: %w", err)
	}

	var persons []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			persons = append(persons, e.Name())
		}
	}
	sort.Strings(persons)

	ds := &Dataset{Labels: make(map[int]string)}
	label := 0
	for _, person := range persons {
		files, err := os.ReadDir(filepath.Join(dir, person))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", person, err)
		}
		var names []string
		for _, f := range files {
			if !f.IsDir() && imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				names = append(names, f.Name())
			}
		}
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)

		ds.Labels[label] = person
		for _, n := range names {
			ds.Samples = append(ds.Samples, types.TrainSample{
				Path:  filepath.Join(dir, person, n),
				Label: label,
			})
		}
		label++
	}

	if len(ds.Samples) == 0 {
		return nil, ErrEmptyDataset
	}
	return ds, nil
}

// SaveLabels writes the label map as {"0":"alice",...}.
func SaveLabels(path string, labels map[int]string) error {
	out := make(map[string]string, len(labels))
	for id, name := range labels {
		out[strconv.Itoa(id)] = name
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadLabels reads a label map. A missing file yields an empty map.
func LoadLabels(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[int]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	labels := make(map[int]string, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("parse %s: bad label id %q", path, k)
		}
		labels[id] = v
	}
	return labels, nil
}
