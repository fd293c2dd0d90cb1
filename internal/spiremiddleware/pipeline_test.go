package spiremiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingMiddleware struct {
	name     string
	log      *[]string
	decision Decision
	status   int
	err      error
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	*m.log = append(*m.log, "req:"+m.name)
	if m.err != nil {
		return Outcome{}, m.err
	}
	if m.decision == ShortCircuit {
		return Outcome{Decision: ShortCircuit, StatusCode: m.status}, nil
	}
	return Outcome{Decision: Continue}, nil
}

func (m *recordingMiddleware) OnResponse(ctx *Context, resp *ResponseFacts) {
	*m.log = append(*m.log, "resp:"+m.name)
}

func TestRunUnwindsOnlyTraversedMiddlewareOnShortCircuit(t *testing.T) {
	var log []string
	chain := Chain{
		&recordingMiddleware{name: "a", log: &log},
		&recordingMiddleware{name: "b", log: &log, decision: ShortCircuit, status: 403},
		&recordingMiddleware{name: "c", log: &log}, // must never run: chain stopped at b
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	called := false
	result, err := Run(chain, &Context{}, req, func(ctx *Context, r *http.Request) (ResponseFacts, error) {
		called = true
		return ResponseFacts{}, nil
	})

	require.NoError(t, err)
	require.False(t, called, "dispatch must not run after a short-circuit")
	require.True(t, result.ShortCircuited)
	require.Equal(t, 403, result.Response.StatusCode)
	require.Equal(t, []string{"req:a", "req:b", "resp:b", "resp:a"}, log)
}

func TestRunUnwindsFullChainOnDispatch(t *testing.T) {
	var log []string
	chain := Chain{
		&recordingMiddleware{name: "a", log: &log},
		&recordingMiddleware{name: "b", log: &log},
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	result, err := Run(chain, &Context{}, req, func(ctx *Context, r *http.Request) (ResponseFacts, error) {
		return ResponseFacts{StatusCode: 200}, nil
	})

	require.NoError(t, err)
	require.False(t, result.ShortCircuited)
	require.Equal(t, []string{"req:a", "req:b", "resp:b", "resp:a"}, log)
}

func TestRunUnwindsOnlyTraversedMiddlewareOnRequestError(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	chain := Chain{
		&recordingMiddleware{name: "a", log: &log},
		&recordingMiddleware{name: "b", log: &log, err: boom},
		&recordingMiddleware{name: "c", log: &log},
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := Run(chain, &Context{}, req, func(ctx *Context, r *http.Request) (ResponseFacts, error) {
		t.Fatal("dispatch must not run after a request-phase error")
		return ResponseFacts{}, nil
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"req:a", "req:b", "resp:b", "resp:a"}, log)
}
