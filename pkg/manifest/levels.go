package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Digital-Creators-Team/progressive-core/pkg/contribution"
	"github.com/Digital-Creators-Team/progressive-core/pkg/linked"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/shopspring/decimal"
)

// LinkNamer names the linked level a game level binds to.
type LinkNamer func(protocol string, gameID, groupID, levelID int) string

// millicentsPerUnit converts currency units to millicents.
var millicentsPerUnit = decimal.New(1, 5)

var levelTypes = map[string]progressive.LevelType{
	"":           progressive.LevelTypeSap,
	"sap":        progressive.LevelTypeSap,
	"lp":         progressive.LevelTypeLP,
	"selectable": progressive.LevelTypeSelectable,
}

var fundingTypes = map[string]progressive.FundingType{
	"":                progressive.FundingStandard,
	"standard":        progressive.FundingStandard,
	"ante":            progressive.FundingAnte,
	"line_based":      progressive.FundingLineBased,
	"line_based_ante": progressive.FundingLineBasedAnte,
	"bulk_only":       progressive.FundingBulkOnly,
	"not_applicable":  progressive.FundingNotApplicable,
}

var triggers = map[string]progressive.TriggerControl{
	"":         progressive.TriggerGame,
	"game":     progressive.TriggerGame,
	"mystery":  progressive.TriggerMystery,
	"external": progressive.TriggerExternal,
}

var flavors = map[string]progressive.FlavorType{
	"":                  progressive.FlavorStandard,
	"standard":          progressive.FlavorStandard,
	"bulk_contribution": progressive.FlavorBulkContribution,
	"vertex_mystery":    progressive.FlavorVertexMystery,
	"host_choice":       progressive.FlavorHostChoice,
}

// Levels expands every pack into one level per game, denomination and
// progressive level, ordered by key. A level whose text fields do not parse
// is returned with ConfigError set so the store isolates it in Error state.
// A game naming an unknown progressive fails the whole manifest. A nil
// namer uses linked.LevelName without level id overrides.
func (m *Manifest) Levels(name LinkNamer) ([]progressive.Level, error) {
	if name == nil {
		name = func(protocol string, gameID, groupID, levelID int) string {
			return linked.LevelName(protocol, nil, gameID, groupID, levelID)
		}
	}
	var out []progressive.Level
	for _, packName := range m.PackNames() {
		pack := m.Packs[packName]
		byID := make(map[int]Progressive, len(pack.Progressives))
		for _, p := range pack.Progressives {
			byID[p.ID] = p
		}

		for _, g := range pack.Games {
			for _, progID := range g.Progressives {
				prog, ok := byID[progID]
				if !ok {
					return nil, fmt.Errorf("pack %s game %d: unknown progressive %d", packName, g.GameID, progID)
				}
				for _, denom := range g.Denoms {
					for _, spec := range prog.Levels {
						key := progressive.LevelKey{
							PackName:      packName,
							PackID:        pack.ID,
							ProgressiveID: prog.ID,
							GameID:        g.GameID,
							Denom:         denom,
							LevelID:       spec.LevelID,
						}
						out = append(out, buildLevel(key, prog, spec, name))
					}
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func buildLevel(key progressive.LevelKey, prog Progressive, spec LevelSpec, name LinkNamer) progressive.Level {
	l := progressive.Level{
		Key:          key,
		LevelName:    spec.Name,
		LineGroup:    spec.LineGroup,
		WagerCredits: spec.WagerCredits,
	}
	var errs []string
	fail := func(field string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", field, err))
	}

	var ok bool
	if l.LevelType, ok = levelTypes[strings.ToLower(spec.Type)]; !ok {
		fail("type", fmt.Errorf("unknown level type %q", spec.Type))
	}
	if l.FundingType, ok = fundingTypes[strings.ToLower(spec.Funding)]; !ok {
		fail("funding", fmt.Errorf("unknown funding type %q", spec.Funding))
	}
	if l.TriggerControl, ok = triggers[strings.ToLower(spec.Trigger)]; !ok {
		fail("trigger", fmt.Errorf("unknown trigger %q", spec.Trigger))
	}
	if l.FlavorType, ok = flavors[strings.ToLower(spec.Flavor)]; !ok {
		fail("flavor", fmt.Errorf("unknown flavor %q", spec.Flavor))
	}

	var err error
	if l.InitialValue, err = ParseMoney(spec.InitialValue); err != nil {
		fail("initial_value", err)
	}
	if l.ResetValue, err = ParseMoney(spec.ResetValue); err != nil {
		fail("reset_value", err)
	}
	if l.MaximumValue, err = ParseMoney(spec.MaximumValue); err != nil {
		fail("maximum_value", err)
	}
	if l.IncrementRate, err = contribution.ParseRate(spec.IncrementRate); err != nil {
		fail("increment_rate", err)
	}
	if l.HiddenIncrementRate, err = contribution.ParseRate(spec.HiddenIncrementRate); err != nil {
		fail("hidden_increment_rate", err)
	}
	if l.BaseRTP, err = contribution.ParseRate(prog.BaseRTP); err != nil {
		fail("base_rtp", err)
	}

	switch {
	case spec.Linked != nil && spec.CustomSap != "":
		fail("linked", fmt.Errorf("level cannot be both linked and custom sap"))
	case spec.Linked != nil:
		levelID := spec.Linked.LevelID
		if levelID == 0 {
			levelID = spec.LevelID
		}
		l.AssignedProgressiveID = progressive.AssignableProgressiveID{
			Type: progressive.AssignableLinked,
			Key:  name(spec.Linked.Protocol, key.GameID, spec.Linked.GroupID, levelID),
		}
	case spec.CustomSap != "":
		l.AssignedProgressiveID = progressive.AssignableProgressiveID{Type: progressive.AssignableCustomSap, Key: spec.CustomSap}
	}

	if len(errs) > 0 {
		l.ConfigError = strings.Join(errs, "; ")
	}
	return l
}

// ParseMoney converts currency text such as "10.00" to millicents. Empty
// text is zero.
func ParseMoney(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", text)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %q", text)
	}
	scaled := d.Mul(millicentsPerUnit)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q is finer than a millicent", text)
	}
	return scaled.IntPart(), nil
}
