package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPctlFn(t *testing.T) {
	cases := []struct {
		in  []time.Duration
		pct int
		out time.Duration
	}{
		{nil, 50, 0},
		{[]time.Duration{time.Second}, 50, time.Second},
		{[]time.Duration{time.Second}, 99, time.Second},
		{[]time.Duration{2 * time.Second, time.Second}, 50, 1500 * time.Millisecond},
		{[]time.Duration{time.Second, 2 * time.Second}, 90, 2 * time.Second},
		{[]time.Duration{3 * time.Second, 2 * time.Second, time.Second}, 50, 2 * time.Second},
		{[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, 10, time.Second},
		{[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, 100, 3 * time.Second},
		{[]time.Duration{4 * time.Second, 3 * time.Second, 2 * time.Second, time.Second}, 50, 2500 * time.Millisecond},
		{[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, 0, time.Second},
		{[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, 99, 4 * time.Second},
	}

	for i, c := range cases {
		got := pctlFn(c.pct, c.in)
		assert.Equal(t, c.out, got, "%d", i)
	}
}

func TestByteSize(t *testing.T) {
	assert.Equal(t, "512.00B", byteSize(512).String())
	assert.Equal(t, "1.50KB", byteSize(1536).String())
	assert.Equal(t, "-2.00MB", byteSize(-2*mb).String())
	assert.Equal(t, "3.00TB", byteSize(3*tb).String())
}

func TestStatsTemplate(t *testing.T) {
	before, after := &expVars{Row: map[string]int{"Requests": 10}}, &expVars{Row: map[string]int{"Requests": 25, "TotalConns": 2}}
	after.Memstats.Mallocs = 5
	after.Memstats.HeapAlloc = 2 * kb
	ts := templateStats{
		Run:       &runStats{Addr: "ws://localhost/ws", Path: "/echo", Requests: 15, OK: 15},
		Before:    before,
		After:     after,
		Latencies: []time.Duration{time.Millisecond, 3 * time.Millisecond},
	}

	var buf bytes.Buffer
	require.NoError(t, statsTpl.Execute(&buf, ts), "Execute")
	out := buf.String()
	assert.Contains(t, out, "Path:       /echo x 0")
	assert.Contains(t, out, "Average:         2ms")
	assert.Regexp(t, `Requests\s+10\s+25\s+15`, out)
	assert.Regexp(t, `TotalConns\s+0\s+2\s+2`, out)
	assert.Regexp(t, `Mallocs\s+0\s+5\s+5`, out)
	assert.Regexp(t, `HeapAlloc\s+0.00B\s+2.00KB\s+2.00KB`, out)
}
