package engine

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"talos/internal/pkg/jsonutil"
)

type ParseKind int

const (
	KindAnalyze ParseKind = iota
	KindDecisions
)

// Parsed is the classified content of one oracle response.
type Parsed struct {
	Kind      ParseKind
	Analyze   *AnalyzeRequest
	Decisions []Decision
}

// ParseResponse tolerantly extracts either an ANALYZE tool call or a
// decision array from free-form oracle output. Surrounding prose and
// markdown fences are ignored.
func ParseResponse(raw string) (Parsed, error) {
	if strings.TrimSpace(raw) == "" {
		return Parsed{}, fmt.Errorf("empty oracle response")
	}

	if arr, ok := jsonutil.ExtractArray(raw); ok {
		if ds, err := parseDecisionArray(arr); err == nil {
			return Parsed{Kind: KindDecisions, Decisions: ds}, nil
		}
	}

	obj, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return Parsed{}, fmt.Errorf("no JSON fragment in oracle response")
	}
	if !gjson.Valid(obj) {
		return Parsed{}, fmt.Errorf("extracted fragment is not valid JSON")
	}
	node := gjson.Parse(obj)
	action := strings.ToUpper(strings.TrimSpace(node.Get("action").String()))
	if action == "ANALYZE" {
		req := &AnalyzeRequest{
			Tool:      strings.TrimSpace(node.Get("tool").String()),
			Reasoning: node.Get("reasoning").String(),
		}
		if req.Tool == "" {
			return Parsed{}, fmt.Errorf("ANALYZE request without tool name")
		}
		if params := node.Get("parameters"); params.Exists() && params.IsObject() {
			req.Parameters = params.Value().(map[string]any)
		}
		return Parsed{Kind: KindAnalyze, Analyze: req}, nil
	}
	// A bare decision object is accepted as a one-element array.
	if d, err := decisionFromNode(node); err == nil {
		return Parsed{Kind: KindDecisions, Decisions: []Decision{d}}, nil
	}
	return Parsed{}, fmt.Errorf("oracle response matched neither ANALYZE nor decisions")
}

func parseDecisionArray(arr string) ([]Decision, error) {
	if err := validateDecisionShape(arr); err != nil {
		return nil, err
	}
	parsed := gjson.Parse(arr)
	var out []Decision
	var firstErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		d, err := decisionFromNode(item)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return false
		}
		out = append(out, d)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("decision array is empty")
	}
	return out, nil
}

// decisionFromNode reads one decision object, accepting both camelCase
// and snake_case key spellings.
func decisionFromNode(node gjson.Result) (Decision, error) {
	if !node.IsObject() {
		return Decision{}, fmt.Errorf("decision must be an object")
	}
	action, err := normalizeAction(node.Get("action").String())
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Action:          action,
		Symbol:          strings.ToUpper(strings.TrimSpace(node.Get("symbol").String())),
		SizeUSD:         pickFloat(node, "size", "size_usd", "sizeUsd", "margin", "margin_usd"),
		Leverage:        int(pickFloat(node, "leverage")),
		StopLoss:        pickFloat(node, "stopLoss", "stop_loss"),
		TakeProfit:      pickFloat(node, "takeProfit", "take_profit"),
		ClosePositionID: pickString(node, "closePositionId", "close_position_id", "position_id"),
		Reasoning:       node.Get("reasoning").String(),
	}
	return d, nil
}

// normalizeAction folds the synonyms oracles tend to emit onto the four
// canonical actions.
func normalizeAction(raw string) (Action, error) {
	a := strings.ToLower(strings.TrimSpace(raw))
	a = strings.NewReplacer(" ", "_", "-", "_").Replace(a)
	switch a {
	case "long", "buy", "open_long", "go_long", "enter_long":
		return ActionLong, nil
	case "short", "sell", "open_short", "go_short", "enter_short":
		return ActionShort, nil
	case "close", "exit", "flat", "close_long", "close_short", "close_position":
		return ActionClose, nil
	case "hold", "wait", "stay", "neutral", "none":
		return ActionHold, nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

func pickFloat(node gjson.Result, keys ...string) float64 {
	for _, key := range keys {
		if v := node.Get(key); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

func pickString(node gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := node.Get(key); v.Exists() {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}
