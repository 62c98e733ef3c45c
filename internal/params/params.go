package params

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/econlab/server/internal/money"
	"github.com/econlab/server/internal/scripting"
)

// Money shock recipients.
const (
	ShockWhoBlue = 1
	ShockWhoRed  = 2
	ShockWhoBoth = 3
)

// Chat modes.
const (
	ChatNone      = "none"
	ChatAll       = "all"
	ChatSameColor = "same-color"
)

// PFPair is one production choice: how many green chips and how many chips
// of the seat's own color it yields.
type PFPair struct {
	Green int
	Color int
}

func (p *PFPair) UnmarshalYAML(value *yaml.Node) error {
	var a [2]int
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("production pair must be [green, color]: %w", err)
	}
	p.Green, p.Color = a[0], a[1]
	return nil
}

// MarshalJSON keeps the [green, color] shape in the session's params dump.
func (p PFPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.Green, p.Color})
}

// MoneyShock is one scheduled transfer applied just before the named
// market's auction in the given round.
type MoneyShock struct {
	Market string       `yaml:"market" json:"market"` // auction color, "blue" or "red"
	Round  int          `yaml:"round" json:"round"`   // 1-based round within the match
	Amount money.Amount `yaml:"amount" json:"amount"`
	Who    int          `yaml:"who" json:"who"` // 1 blue, 2 red, 3 both
}

// Session is the run-wide parameter block.
type Session struct {
	Controller    string         `yaml:"controller" json:"controller"`
	ExperimentID  string         `yaml:"experimentID" json:"experimentID"`
	NumPlayers    int            `yaml:"numPlayers" json:"numPlayers"`
	ShowUpPayment money.Amount   `yaml:"showUpPayment" json:"showUpPayment"`
	Rounding      money.Rounding `yaml:"rounding" json:"rounding"`
	SurveyFile    string         `yaml:"surveyFile" json:"surveyFile,omitempty"`
	Autostart     bool           `yaml:"autostart" json:"autostart"`
	AutoAdvance   bool           `yaml:"autoAdvance" json:"autoAdvance"`
}

// Match is one block of rounds played under a fixed parameterization.
type Match struct {
	NumRounds            int          `yaml:"numRounds" json:"numRounds"`
	Practice             bool         `yaml:"practice" json:"practice"`
	ExchangeRate         money.Amount `yaml:"exchangeRate" json:"exchangeRate"`
	GroupSize            int          `yaml:"groupSize" json:"groupSize,omitempty"`
	StartingDollars      money.Amount `yaml:"startingDollars" json:"startingDollars"`
	ResetBalances        bool         `yaml:"resetBalances" json:"resetBalances"`
	AllowNegativeDollars bool         `yaml:"allowNegativeDollars" json:"allowNegativeDollars"`
	AuctionTime          int          `yaml:"auctionTime" json:"auctionTime,omitempty"`
	ProdChoiceTime       int          `yaml:"prodChoiceTime" json:"prodChoiceTime,omitempty"`
	ScoringFormula       string       `yaml:"scoringFormula" json:"scoringFormula,omitempty"`
	Chat                 string       `yaml:"chat" json:"chat,omitempty"` // none, all or same-color

	PFBlue            []PFPair `yaml:"pf_blue" json:"pf_blue,omitempty"`
	PFRed             []PFPair `yaml:"pf_red" json:"pf_red,omitempty"`
	PFBlueShocked     []PFPair `yaml:"pf_blue_shocked" json:"pf_blue_shocked,omitempty"`
	PFRedShocked      []PFPair `yaml:"pf_red_shocked" json:"pf_red_shocked,omitempty"`
	PFShockRoundsBlue []int    `yaml:"pfShockRounds_blue" json:"pfShockRounds_blue,omitempty"`
	PFShockRoundsRed  []int    `yaml:"pfShockRounds_red" json:"pfShockRounds_red,omitempty"`

	MoneyShocks []MoneyShock `yaml:"moneyShocks" json:"moneyShocks,omitempty"`

	// Custom carries controller-specific extras verbatim; they surface as
	// param_* columns in the session history.
	Custom map[string]interface{} `yaml:"custom" json:"custom,omitempty"`
}

// Params is one parsed parameter file.
type Params struct {
	Session Session `yaml:"session" json:"session"`
	Matches []Match `yaml:"matches" json:"matches"`
}

// Load reads and validates a parameter file. Everything that can be checked
// without a live session is checked here, including that every scoring
// formula compiles.
func Load(path string) (*Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("params: read %s: %w", path, err)
	}

	var p Params
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("params: parse %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("params: %s: %w", path, err)
	}
	return &p, nil
}

func (p *Params) validate() error {
	s := &p.Session
	if s.Controller == "" {
		return fmt.Errorf("session.controller is required")
	}
	if s.NumPlayers < 1 {
		return fmt.Errorf("session.numPlayers must be at least 1, got %d", s.NumPlayers)
	}
	if s.Rounding != "" {
		if _, err := money.ParseRounding(string(s.Rounding)); err != nil {
			return err
		}
	} else {
		s.Rounding = money.RoundPenny
	}
	if s.ShowUpPayment.IsNegative() {
		return fmt.Errorf("session.showUpPayment must not be negative")
	}
	if len(p.Matches) == 0 {
		return fmt.Errorf("at least one match is required")
	}

	for i := range p.Matches {
		if err := p.validateMatch(i); err != nil {
			return fmt.Errorf("match %d: %w", i+1, err)
		}
	}

	// Trading groups form once at session start, so every island match must
	// agree on the group size.
	if s.Controller == "island" {
		size := p.Matches[0].GroupSize
		for i, m := range p.Matches[1:] {
			if m.GroupSize != size {
				return fmt.Errorf("match %d: groupSize %d differs from match 1's %d", i+2, m.GroupSize, size)
			}
		}
	}
	return nil
}

func (p *Params) validateMatch(i int) error {
	m := &p.Matches[i]
	if m.NumRounds < 1 {
		return fmt.Errorf("numRounds must be at least 1, got %d", m.NumRounds)
	}
	if m.ScoringFormula != "" {
		f, err := scripting.CompileFormula(m.ScoringFormula)
		if err != nil {
			return err
		}
		f.Close()
	}
	switch m.Chat {
	case "", ChatNone, ChatAll, ChatSameColor:
	default:
		return fmt.Errorf("chat must be %q, %q or %q, got %q", ChatNone, ChatAll, ChatSameColor, m.Chat)
	}
	for _, r := range m.PFShockRoundsBlue {
		if r < 1 || r > m.NumRounds {
			return fmt.Errorf("pfShockRounds_blue entry %d outside 1..%d", r, m.NumRounds)
		}
	}
	for _, r := range m.PFShockRoundsRed {
		if r < 1 || r > m.NumRounds {
			return fmt.Errorf("pfShockRounds_red entry %d outside 1..%d", r, m.NumRounds)
		}
	}

	if p.Session.Controller != "island" {
		return nil
	}

	// Island matches need the full market parameterization.
	if m.GroupSize < 2 {
		return fmt.Errorf("groupSize must be at least 2, got %d", m.GroupSize)
	}
	if p.Session.NumPlayers%m.GroupSize != 0 {
		return fmt.Errorf("numPlayers %d is not divisible by groupSize %d", p.Session.NumPlayers, m.GroupSize)
	}
	if m.AuctionTime < 1 {
		return fmt.Errorf("auctionTime must be at least 1 second, got %d", m.AuctionTime)
	}
	if m.ProdChoiceTime < 1 {
		return fmt.Errorf("prodChoiceTime must be at least 1 second, got %d", m.ProdChoiceTime)
	}
	if !m.ExchangeRate.IsPositive() {
		return fmt.Errorf("exchangeRate must be positive, got %s", m.ExchangeRate)
	}
	if m.StartingDollars.IsNegative() {
		return fmt.Errorf("startingDollars must not be negative, got %s", m.StartingDollars)
	}
	if m.ScoringFormula == "" {
		return fmt.Errorf("scoringFormula is required")
	}
	if len(m.PFBlue) == 0 || len(m.PFRed) == 0 {
		return fmt.Errorf("pf_blue and pf_red are required")
	}
	if len(m.PFShockRoundsBlue) > 0 && len(m.PFBlueShocked) == 0 {
		return fmt.Errorf("pfShockRounds_blue set but pf_blue_shocked missing")
	}
	if len(m.PFShockRoundsRed) > 0 && len(m.PFRedShocked) == 0 {
		return fmt.Errorf("pfShockRounds_red set but pf_red_shocked missing")
	}

	for j, shock := range m.MoneyShocks {
		if err := m.validateMoneyShock(shock); err != nil {
			return fmt.Errorf("moneyShocks[%d]: %w", j, err)
		}
	}
	return nil
}

func (m *Match) validateMoneyShock(shock MoneyShock) error {
	if shock.Market != "blue" && shock.Market != "red" {
		return fmt.Errorf("market must be blue or red, got %q", shock.Market)
	}
	if shock.Round < 1 || shock.Round > m.NumRounds {
		return fmt.Errorf("round %d outside 1..%d", shock.Round, m.NumRounds)
	}
	if shock.Amount.IsZero() {
		return fmt.Errorf("amount is zero")
	}

	// Every recipient must get at least one cent out of the partition.
	var recipients int
	switch shock.Who {
	case ShockWhoBlue:
		recipients = (m.GroupSize + 1) / 2
	case ShockWhoRed:
		recipients = m.GroupSize / 2
	case ShockWhoBoth:
		recipients = m.GroupSize
	default:
		return fmt.Errorf("who must be 1 (blue), 2 (red) or 3 (both), got %d", shock.Who)
	}
	if cents := shock.Amount.Abs().Cents(); cents < int64(recipients) {
		return fmt.Errorf("amount %s cannot be split across %d recipients", shock.Amount, recipients)
	}
	return nil
}
