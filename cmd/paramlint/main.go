// paramlint validates a session parameter file and prints the resolved plan.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/econlab/server/internal/control"
	_ "github.com/econlab/server/internal/island" // registers the island controller
	"github.com/econlab/server/internal/params"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: paramlint <session.yaml>")
		fmt.Fprintf(os.Stderr, "Known controllers: %s\n", strings.Join(control.Registered(), ", "))
		os.Exit(1)
	}

	prm, err := params.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "paramlint: %v\n", err)
		os.Exit(1)
	}

	// Building the controller catches what file-level validation cannot,
	// like a controller name this binary does not carry.
	ctrl, err := control.NewController(prm, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "paramlint: %v\n", err)
		os.Exit(1)
	}

	s := prm.Session
	fmt.Printf("session: %s (%s)\n", s.Controller, ctrl.GUIName())
	fmt.Printf("  players %d, show-up $%s, rounding %s\n",
		s.NumPlayers, s.ShowUpPayment.StringFixed(2), s.Rounding)
	fmt.Printf("  autostart=%v autoAdvance=%v survey=%s\n",
		s.Autostart, s.AutoAdvance, orDash(s.SurveyFile))

	total := 0
	for i, m := range prm.Matches {
		total += m.NumRounds
		fmt.Printf("match %d: %d rounds%s\n", i+1, m.NumRounds, practiceTag(m.Practice))
		if s.Controller != "island" {
			printCustom(m.Custom)
			continue
		}

		groups := s.NumPlayers / m.GroupSize
		fmt.Printf("  exchange $%s/point, %d group(s) of %d, starting $%s\n",
			m.ExchangeRate, groups, m.GroupSize, m.StartingDollars.StringFixed(2))
		fmt.Printf("  production %ds, auction %ds per market, chat %s\n",
			m.ProdChoiceTime, m.AuctionTime, orDash(m.Chat))
		fmt.Printf("  formula: %s\n", m.ScoringFormula)
		fmt.Printf("  pf_blue %d choices, pf_red %d choices\n", len(m.PFBlue), len(m.PFRed))

		for _, r := range m.PFShockRoundsBlue {
			fmt.Printf("  round %2d: production shock, blue\n", r)
		}
		for _, r := range m.PFShockRoundsRed {
			fmt.Printf("  round %2d: production shock, red\n", r)
		}
		for _, shock := range m.MoneyShocks {
			fmt.Printf("  round %2d: money shock $%s in %s market to %s\n",
				shock.Round, shock.Amount, shock.Market, whoName(shock.Who))
		}
		printCustom(m.Custom)
	}
	fmt.Printf("plan: %d match(es), %d rounds total\n", len(prm.Matches), total)
}

// printCustom lists the history columns a match's custom block will add.
func printCustom(custom map[string]interface{}) {
	if len(custom) == 0 {
		return
	}
	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, "param_"+k)
	}
	sort.Strings(keys)
	fmt.Printf("  custom columns: %s\n", strings.Join(keys, ", "))
}

func practiceTag(practice bool) string {
	if practice {
		return " (practice)"
	}
	return ""
}

func whoName(who int) string {
	switch who {
	case params.ShockWhoBlue:
		return "blue"
	case params.ShockWhoRed:
		return "red"
	case params.ShockWhoBoth:
		return "both"
	}
	return fmt.Sprintf("who(%d)", who)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
