package engine

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"talos/internal/logger"
)

// PromptTemplate is one agent persona: the system prompt plus the user
// prompt skeleton rendered each round.
type PromptTemplate struct {
	Name   string `yaml:"name"`
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// DefaultSystemPrompt and DefaultUserPrompt back agents with no
// configured persona.
const DefaultSystemPrompt = `You are an autonomous leveraged-trading agent managing an isolated-margin futures portfolio.
Respond with exactly one JSON fragment per message:
- To analyze first: {"action":"ANALYZE","tool":"<name>","parameters":{...},"reasoning":"..."}
- To decide: a JSON array of decision objects, each {"action":"LONG"|"SHORT"|"CLOSE"|"HOLD","symbol":...,"size":...,"leverage":...,"stopLoss":...,"takeProfit":...,"closePositionId":...,"reasoning":"..."}
LONG/SHORT require symbol, size (margin USD), leverage, stopLoss and takeProfit. CLOSE requires closePositionId. Use HOLD when no trade is warranted.`

const DefaultUserPrompt = `Round {{.Round}} of {{.MaxRounds}}.{{if .Terminal}} This is the final round: you MUST answer with the decision array now; ANALYZE is no longer accepted.{{end}}

== MARKET ==
{{.Market}}

== PORTFOLIO ==
Balance (free margin): ${{printf "%.2f" .Portfolio.Balance}}
Total value: ${{printf "%.2f" .Portfolio.TotalValue}}
{{.Positions}}
{{- if .Cooldowns}}

== COOLDOWNS (no new positions on these symbols) ==
{{.Cooldowns}}
{{- end}}
{{- if .RecentOrders}}

== RECENT TRADES ==
{{.RecentOrders}}
{{- end}}

== AVAILABLE TOOLS ==
{{.Tools}}
{{- if .Transcript}}

== ANALYSIS SO FAR ==
{{.Transcript}}
{{- end}}
{{- if .Notes}}

== NOTES ==
{{.Notes}}
{{- end}}`

// PromptRegistry loads per-agent templates from a YAML file and hot
// reloads on change.
type PromptRegistry struct {
	mu        sync.RWMutex
	templates map[string]PromptTemplate
	watcher   *fsnotify.Watcher
}

type promptFile struct {
	Agents map[string]PromptTemplate `yaml:"agents"`
}

func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{templates: make(map[string]PromptTemplate)}
}

// LoadFile replaces the registry content with the file's agents map.
func (r *PromptRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing prompt file %s: %w", path, err)
	}
	next := make(map[string]PromptTemplate, len(pf.Agents))
	for name, tpl := range pf.Agents {
		tpl.Name = name
		next[name] = tpl
	}
	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()
	logger.Infof("prompts: loaded %d persona(s) from %s", len(next), path)
	return nil
}

// Watch reloads the file whenever it changes. Call Close to stop.
func (r *PromptRegistry) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					logger.Warnf("prompts: reload failed: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnf("prompts: watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (r *PromptRegistry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Template returns the persona for agent, falling back to defaults.
func (r *PromptRegistry) Template(agent string) PromptTemplate {
	r.mu.RLock()
	tpl, ok := r.templates[agent]
	r.mu.RUnlock()
	if !ok {
		tpl = PromptTemplate{Name: agent}
	}
	if strings.TrimSpace(tpl.System) == "" {
		tpl.System = DefaultSystemPrompt
	}
	if strings.TrimSpace(tpl.User) == "" {
		tpl.User = DefaultUserPrompt
	}
	return tpl
}

type promptData struct {
	Round        int
	MaxRounds    int
	Terminal     bool
	Market       string
	Portfolio    portfolioView
	Positions    string
	Cooldowns    string
	RecentOrders string
	Tools        string
	Transcript   string
	Notes        string
}

type portfolioView struct {
	Balance    float64
	TotalValue float64
}

// renderUserPrompt fills the user template with the cycle state.
func renderUserPrompt(in CycleInput, round, maxRounds int, transcript []AnalysisStep, notes []string, toolNames []string) (string, error) {
	tpl, err := template.New("user").Parse(in.Template.User)
	if err != nil {
		return "", fmt.Errorf("user template: %w", err)
	}
	data := promptData{
		Round:     round,
		MaxRounds: maxRounds,
		Terminal:  round == maxRounds,
		Market:    renderMarket(in),
		Portfolio: portfolioView{
			Balance:    in.Portfolio.Balance,
			TotalValue: in.Portfolio.TotalValue,
		},
		Positions:    renderPositions(in),
		Cooldowns:    renderCooldowns(in),
		RecentOrders: renderOrders(in),
		Tools:        strings.Join(toolNames, ", "),
		Transcript:   renderTranscript(transcript),
		Notes:        strings.Join(notes, "\n"),
	}
	var b strings.Builder
	if err := tpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("user template: %w", err)
	}
	return b.String(), nil
}

func renderMarket(in CycleInput) string {
	if len(in.Snapshot.Tickers) == 0 {
		return "(no market data)"
	}
	var b strings.Builder
	for _, t := range in.Snapshot.Tickers {
		fmt.Fprintf(&b, "%s price=%.4f change24h=%+.2f%%", t.Symbol, t.Price, t.Change24h)
		if t.FundingRate != 0 {
			fmt.Fprintf(&b, " funding=%.5f", t.FundingRate)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderPositions(in CycleInput) string {
	if len(in.Portfolio.Positions) == 0 {
		return "No open positions."
	}
	var b strings.Builder
	for _, p := range in.Portfolio.Positions {
		fmt.Fprintf(&b, "id=%s %s %s entry=%.4f margin=%.2f lev=%dx liq=%.4f upnl=%+.2f",
			p.ID, strings.ToUpper(string(p.Side)), p.Symbol, p.EntryPrice, p.MarginUSD, p.Leverage, p.LiquidationPrice, p.UnrealizedPnL)
		if p.StopLoss > 0 {
			fmt.Fprintf(&b, " sl=%.4f", p.StopLoss)
		}
		if p.TakeProfit > 0 {
			fmt.Fprintf(&b, " tp=%.4f", p.TakeProfit)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderCooldowns(in CycleInput) string {
	if len(in.Portfolio.Cooldowns) == 0 {
		return ""
	}
	var b strings.Builder
	for sym, until := range in.Portfolio.Cooldowns {
		fmt.Fprintf(&b, "%s until %s\n", sym, until.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderOrders(in CycleInput) string {
	if len(in.RecentOrders) == 0 {
		return ""
	}
	var b strings.Builder
	for _, o := range in.RecentOrders {
		fmt.Fprintf(&b, "%s %s entry=%.4f exit=%.4f pnl=%+.2f fee=%.2f reason=%s\n",
			strings.ToUpper(string(o.Side)), o.Symbol, o.EntryPrice, o.ExitPrice, o.RealizedPnL, o.Fee, o.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTranscript(steps []AnalysisStep) string {
	if len(steps) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range steps {
		if s.Tool == "" && s.Note != "" {
			fmt.Fprintf(&b, "[round %d] note: %s\n", s.Iteration, s.Note)
			continue
		}
		fmt.Fprintf(&b, "[round %d] tool=%s", s.Iteration, s.Tool)
		if s.Error != "" {
			fmt.Fprintf(&b, " error=%s", s.Error)
		} else {
			fmt.Fprintf(&b, " result=%s", compactJSON(s.Result))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
