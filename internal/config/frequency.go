package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"callisto_daemon/internal/models"
)

var pairRe = regexp.MustCompile(`^\[([^\]]+)\]\s*=\s*(.*)$`)

// LoadFrequencyTable reads a legacy frq*.cfg file. An empty path or a missing
// file yields an empty table, in which case channels are labelled by index.
func LoadFrequencyTable(path string) (*models.FrequencyTable, error) {
	if path == "" {
		return &models.FrequencyTable{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.FrequencyTable{Name: filepath.Base(path)}, nil
		}
		return nil, fmt.Errorf("open frequency file %q: %w", path, err)
	}
	defer f.Close()
	t, err := ParseFrequencyTable(f)
	if err != nil {
		return nil, err
	}
	t.Name = filepath.Base(path)
	return t, nil
}

// ParseFrequencyTable parses `[0001]=0045.000,0` lines ordered by channel
// key. Non-numeric keys and unparsable values are skipped.
func ParseFrequencyTable(r io.Reader) (*models.FrequencyTable, error) {
	type item struct {
		idx int
		mhz float64
	}
	var items []item
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
			continue
		}
		m := pairRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(m[1]))
		if err != nil {
			continue // meta keys like [target]
		}
		val := strings.SplitN(stripComment(m[2]), ",", 2)[0]
		mhz, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		items = append(items, item{idx: idx, mhz: mhz})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read frequency file: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].idx < items[j].idx })
	t := &models.FrequencyTable{MHz: make([]float64, 0, len(items))}
	for _, it := range items {
		t.MHz = append(t.MHz, it.mhz)
	}
	return t, nil
}
