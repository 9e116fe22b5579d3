package hub

import "context"

// Callback receives the outcome of every polled record: exactly one of its
// methods is invoked, exactly once, per record.
//
// Callbacks run on the ingestion goroutine; a slow callback delays the next poll.
type Callback interface {
	OnSuccess(ctx context.Context, rec MessageRecord)
	OnFailure(ctx context.Context, f Failure)
}

// Failure describes a record that could not be turned into a MessageRecord.
type Failure struct {
	Reason string
	Err    error
	Meta   RecordMeta
}

// Outcome is either a decoded record or a failure, never both.
type Outcome struct {
	rec  MessageRecord
	fail *Failure
}

// Succeeded wraps a decoded record.
func Succeeded(rec MessageRecord) Outcome { return Outcome{rec: rec} }

// Failed wraps a failure. An empty Reason is filled from Err.
func Failed(f Failure) Outcome {
	if f.Reason == "" && f.Err != nil {
		f.Reason = f.Err.Error()
	}

	return Outcome{fail: &f}
}

// Record returns the decoded record and true for successful outcomes.
func (o Outcome) Record() (MessageRecord, bool) { return o.rec, o.fail == nil }

// Failure returns the failure and true for failed outcomes.
func (o Outcome) Failure() (Failure, bool) {
	if o.fail == nil {
		return Failure{}, false
	}

	return *o.fail, true
}

// Deliver invokes exactly one method of cb.
func (o Outcome) Deliver(ctx context.Context, cb Callback) {
	if o.fail != nil {
		cb.OnFailure(ctx, *o.fail)
		return
	}

	cb.OnSuccess(ctx, o.rec)
}

// CallbackFuncs adapts two functions to Callback. Nil functions are skipped.
type CallbackFuncs struct {
	Success func(ctx context.Context, rec MessageRecord)
	Failure func(ctx context.Context, f Failure)
}

func (c CallbackFuncs) OnSuccess(ctx context.Context, rec MessageRecord) {
	if c.Success != nil {
		c.Success(ctx, rec)
	}
}

func (c CallbackFuncs) OnFailure(ctx context.Context, f Failure) {
	if c.Failure != nil {
		c.Failure(ctx, f)
	}
}

var _ Callback = CallbackFuncs{}
