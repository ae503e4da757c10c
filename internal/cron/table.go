package cron

import (
	"fmt"
	"os"
	"path/filepath"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// crontabFile is the crontab file name, looked up first under the base
// directory and then under the environment-scoped config subdirectory.
const crontabFile = "crons.json"

// Table maps a server type to its cron entries. One crontab file covers
// the whole cluster; each process selects its own server type's slice.
type Table map[string][]Entry

// ForType returns the entries for serverType, or nil.
func (t Table) ForType(serverType string) []Entry {
	return t[serverType]
}

// LoadTable reads the crontab for the deployment rooted at base.
//
// The file is taken from <base>/crons.json when present, otherwise from
// <base>/config/<env>/crons.json. A deployment without a crontab is valid:
// when neither file exists, LoadTable returns an empty table and no error.
func LoadTable(base, env string) (Table, error) {
	path := filepath.Join(base, crontabFile)
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(base, "config", env, crontabFile)
		if _, err := os.Stat(path); err != nil {
			return Table{}, nil
		}
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("load crontab %s: %w", path, err)
	}

	table := Table{}
	if err := k.Unmarshal("", &table); err != nil {
		return nil, fmt.Errorf("unmarshal crontab %s: %w", path, err)
	}
	return table, nil
}
