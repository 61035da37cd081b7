package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// Raw oracle transcripts are noisy, so they go to a dedicated writer
// instead of the main log stream.

var (
	oracleMu  sync.Mutex
	oracleLog *log.Logger
)

func SetOracleWriter(w io.Writer) {
	oracleMu.Lock()
	defer oracleMu.Unlock()
	if w == nil {
		oracleLog = nil
		return
	}
	oracleLog = log.New(w, "", log.LstdFlags)
}

type oracleSection struct {
	Title string
	Body  string
}

func logOracle(kind, agent string, round int, sections []oracleSection) {
	oracleMu.Lock()
	l := oracleLog
	oracleMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[ORACLE][%s][%s][round=%d]\n", kind, agent, round)
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogOracleRequest(agent string, round int, systemPrompt, userPrompt string) {
	logOracle("request", agent, round, []oracleSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	})
}

func LogOracleResponse(agent string, round int, raw string) {
	logOracle("response", agent, round, []oracleSection{{Title: "RAW", Body: raw}})
}
