package main

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"text/template"
	"time"
)

var statsTpl = template.Must(template.New("output").Funcs(template.FuncMap{
	"avg":  avgFn,
	"pctl": pctlFn,
}).Parse(`
--- CONFIGURATION

Address:    {{ .Run.Addr }}
Protocol:   {{ .Run.Protocol }}
Path:       {{ .Run.Path }} x {{ .Run.NPaths }}
Payload:    {{ .Run.Payload }}

Connections: {{ .Run.Conns }}
Rate:        {{ .Run.Rate | printf "%s" }}
Timeout:     {{ .Run.Timeout | printf "%s" }}
Duration:    {{ .Run.Duration | printf "%s" }}

--- CLIENT STATISTICS

Actual Duration: {{ .Run.ActualDuration | printf "%s" }}
Requests:        {{ .Run.Requests }}
OK:              {{ .Run.OK }}
Failed:          {{ .Run.Failed }}
Expired:         {{ .Run.Expired }}

--- CLIENT LATENCIES

Minimum:         {{ pctl 0 .Latencies }}
Maximum:         {{ pctl 100 .Latencies }}
Average:         {{ avg .Latencies }}
Median:          {{ pctl 50 .Latencies }}
75th Percentile: {{ pctl 75 .Latencies }}
90th Percentile: {{ pctl 90 .Latencies }}
99th Percentile: {{ pctl 99 .Latencies }}

--- SERVER STATISTICS
{{ range .Sections }}
{{ printf "%-19s %-15s %-15s %s" .Title "Before" "After" "Diff." }}
----------------------------------------------------------------
{{ range .Rows }}{{ printf "%-19s %-15v %-15v %v" .Name .Before .After .Diff }}
{{ end }}{{ end }}`))

// statRow is a line of the server statistics, a value before and
// after the run.
type statRow struct {
	Name          string
	Before, After interface{}
	Diff          interface{}
}

type statSection struct {
	Title string
	Rows  []statRow
}

// Sections returns the server statistics sections of the output.
func (ts templateStats) Sections() []statSection {
	b, a := ts.Before.Memstats, ts.After.Memstats
	mem := []statRow{
		{"Alloc", b.Alloc, a.Alloc, a.Alloc - b.Alloc},
		{"TotalAlloc", b.TotalAlloc, a.TotalAlloc, a.TotalAlloc - b.TotalAlloc},
		{"Mallocs", b.Mallocs, a.Mallocs, a.Mallocs - b.Mallocs},
		{"Frees", b.Frees, a.Frees, a.Frees - b.Frees},
		{"HeapAlloc", b.HeapAlloc, a.HeapAlloc, a.HeapAlloc - b.HeapAlloc},
		{"HeapInuse", b.HeapInuse, a.HeapInuse, a.HeapInuse - b.HeapInuse},
		{"HeapObjects", b.HeapObjects, a.HeapObjects, a.HeapObjects - b.HeapObjects},
		{"StackInuse", b.StackInuse, a.StackInuse, a.StackInuse - b.StackInuse},
		{"NumGC", b.NumGC, a.NumGC, a.NumGC - b.NumGC},
		{"PauseTotalNs", b.PauseTotalNs, a.PauseTotalNs, a.PauseTotalNs - b.PauseTotalNs},
	}

	names := make(map[string]bool)
	for k := range ts.Before.Row {
		names[k] = true
	}
	for k := range ts.After.Row {
		names[k] = true
	}
	counters := make([]statRow, 0, len(names))
	for k := range names {
		bv, av := ts.Before.Row[k], ts.After.Row[k]
		counters = append(counters, statRow{k, bv, av, av - bv})
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Name < counters[j].Name })

	return []statSection{{"Memory", mem}, {"Counter", counters}}
}

func avgFn(durs []time.Duration) time.Duration {
	var sum time.Duration

	if len(durs) == 0 {
		return 0
	}

	for _, d := range durs {
		sum += d
	}
	return sum / time.Duration(len(durs))
}

// from https://github.com/golang/go/issues/4594#issuecomment-135336012
func round(f float64) int {
	if math.Abs(f) < 0.5 {
		return 0
	}
	return int(f + math.Copysign(0.5, f))
}

// pctlFn returns the n-th percentile of durs, which gets sorted.
func pctlFn(n int, durs []time.Duration) time.Duration {
	switch len(durs) {
	case 0:
		return 0
	case 1:
		return durs[0]
	}

	sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })

	v := (float64(n) / 100.0) * float64(len(durs))
	ix := int(v)
	if v != math.Trunc(v) {
		if ix = round(v); ix > 0 {
			ix--
		}
		return durs[ix]
	}

	switch ix {
	case 0:
		return durs[0]
	case len(durs):
		return durs[len(durs)-1]
	}
	return (durs[ix] + durs[ix-1]) / 2
}

type byteSize float64

const (
	_           = iota
	kb byteSize = 1 << (10 * iota)
	mb
	gb
	tb
)

func (b byteSize) String() string {
	cmp := b
	if b < 0 {
		cmp = -cmp
	}
	switch {
	case cmp >= tb:
		return fmt.Sprintf("%.2fTB", b/tb)
	case cmp >= gb:
		return fmt.Sprintf("%.2fGB", b/gb)
	case cmp >= mb:
		return fmt.Sprintf("%.2fMB", b/mb)
	case cmp >= kb:
		return fmt.Sprintf("%.2fKB", b/kb)
	}
	return fmt.Sprintf("%.2fB", b)
}

type templateStats struct {
	Run       *runStats
	Before    *expVars
	After     *expVars
	Latencies []time.Duration
}

type runStats struct {
	Addr     string
	Protocol string
	Path     string
	NPaths   int
	Payload  string

	Conns          int
	Rate           time.Duration
	Timeout        time.Duration
	Duration       time.Duration
	ActualDuration time.Duration

	Requests int64
	OK       int64
	Failed   int64
	Expired  int64
}

// expVars is the subset of the server's /debug/vars output reported
// by the load command. Row holds the counters of the row server.
type expVars struct {
	Row map[string]int `json:"row"`

	Memstats struct {
		Alloc        byteSize
		TotalAlloc   byteSize
		Mallocs      int
		Frees        int
		HeapAlloc    byteSize
		HeapInuse    byteSize
		HeapObjects  int
		StackInuse   byteSize
		NumGC        int
		PauseTotalNs time.Duration
	} `json:"memstats"`
}

func getExpVars(u *url.URL) (*expVars, error) {
	res, err := http.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u.Path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch %s: %s", u.Path, res.Status)
	}

	var ev expVars
	if err := json.NewDecoder(res.Body).Decode(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode expvars: %w", err)
	}
	return &ev, nil
}
