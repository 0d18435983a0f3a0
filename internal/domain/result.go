package domain

import "time"

type ResultKind int

const (
	// ResultOK marks the job done.
	ResultOK ResultKind = iota
	// ResultRetry reschedules with backoff, dead-lettering at max attempts.
	ResultRetry
	// ResultTerminal dead-letters immediately, regardless of attempts left.
	ResultTerminal
	// ResultDeferred reschedules to a specific time without burning an
	// attempt. Used when a budget or capacity gate defers the work.
	ResultDeferred
)

// Result is the explicit outcome of a handler execution. Handlers return a
// Result instead of using panics for control flow; panics crossing the
// handler boundary are translated into a transient retry by the dispatcher.
type Result struct {
	kind  ResultKind
	err   error
	until time.Time
}

func OK() Result                    { return Result{kind: ResultOK} }
func Retry(err error) Result        { return Result{kind: ResultRetry, err: err} }
func Terminal(err error) Result     { return Result{kind: ResultTerminal, err: err} }
func DeferUntil(t time.Time) Result { return Result{kind: ResultDeferred, until: t} }

func (r Result) Kind() ResultKind { return r.kind }
func (r Result) Err() error       { return r.err }
func (r Result) Until() time.Time { return r.until }
