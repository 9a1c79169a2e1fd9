package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Manifest is the merged set of progressive pack manifests. Packs are keyed
// by pack name so each pack can live in its own file.
type Manifest struct {
	Packs map[string]Pack `mapstructure:"packs"`
}

// Pack describes one progressive pack: its progressives and the games and
// denominations that offer them.
type Pack struct {
	ID           int           `mapstructure:"id"`
	Progressives []Progressive `mapstructure:"progressives"`
	Games        []Game        `mapstructure:"games"`
}

// Progressive is one progressive detail: a ladder of levels.
type Progressive struct {
	ID      int         `mapstructure:"id"`
	BaseRTP string      `mapstructure:"base_rtp"`
	Levels  []LevelSpec `mapstructure:"levels"`
}

// LevelSpec is the static configuration of a level. Money is written as
// currency text ("10.00") and rates as percent text ("0.5").
type LevelSpec struct {
	LevelID             int         `mapstructure:"level_id"`
	Name                string      `mapstructure:"name"`
	Type                string      `mapstructure:"type"`
	Funding             string      `mapstructure:"funding"`
	Trigger             string      `mapstructure:"trigger"`
	Flavor              string      `mapstructure:"flavor"`
	LineGroup           string      `mapstructure:"line_group"`
	WagerCredits        int64       `mapstructure:"wager_credits"`
	InitialValue        string      `mapstructure:"initial_value"`
	ResetValue          string      `mapstructure:"reset_value"`
	MaximumValue        string      `mapstructure:"maximum_value"`
	IncrementRate       string      `mapstructure:"increment_rate"`
	HiddenIncrementRate string      `mapstructure:"hidden_increment_rate"`
	Linked              *LinkedSpec `mapstructure:"linked"`
	CustomSap           string      `mapstructure:"custom_sap"`
}

// LinkedSpec binds a level to a linked progressive owned by a protocol. It
// may also be written as "PROTOCOL/GROUP" or "PROTOCOL/GROUP/LEVEL".
type LinkedSpec struct {
	Protocol string `mapstructure:"protocol"`
	GroupID  int    `mapstructure:"group_id"`
	// LevelID defaults to the level's own id.
	LevelID int `mapstructure:"level_id"`
}

// Game lists the denominations and progressives a game offers.
type Game struct {
	GameID       int     `mapstructure:"game_id"`
	Denoms       []int64 `mapstructure:"denoms"`
	Progressives []int   `mapstructure:"progressives"`
}

// Load reads a manifest from a YAML file or from a directory whose YAML
// files are merged in name order, later files overriding earlier ones.
func Load(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest path: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if !info.IsDir() {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		return unmarshal(v)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if !entry.IsDir() && (strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found in manifest directory: %s", path)
	}
	sort.Strings(files)

	for _, filename := range files {
		v.SetConfigFile(filepath.Join(path, filename))
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge manifest from %s: %w", filename, err)
		}
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Manifest, error) {
	var m Manifest
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		linkedShorthandHook,
	))
	if err := v.Unmarshal(&m, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &m, nil
}

var linkedSpecType = reflect.TypeOf(LinkedSpec{})

// linkedShorthandHook decodes "G2S/3/2" into a LinkedSpec.
func linkedShorthandHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != linkedSpecType {
		return data, nil
	}
	return ParseLinked(data.(string))
}

// ParseLinked parses the "PROTOCOL/GROUP[/LEVEL]" shorthand.
func ParseLinked(s string) (LinkedSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return LinkedSpec{}, fmt.Errorf("invalid linked progressive %q, want PROTOCOL/GROUP[/LEVEL]", s)
	}
	spec := LinkedSpec{Protocol: parts[0]}
	var err error
	if spec.GroupID, err = strconv.Atoi(parts[1]); err != nil {
		return LinkedSpec{}, fmt.Errorf("invalid linked group in %q: %w", s, err)
	}
	if len(parts) == 3 {
		if spec.LevelID, err = strconv.Atoi(parts[2]); err != nil {
			return LinkedSpec{}, fmt.Errorf("invalid linked level in %q: %w", s, err)
		}
	}
	return spec, nil
}

// PackNames returns the pack names in order.
func (m *Manifest) PackNames() []string {
	names := make([]string, 0, len(m.Packs))
	for name := range m.Packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
