package logging

import "testing"

func TestNewNopDoesNotPanic(t *testing.T) {
	log := NewNop()

	log.Debug("debug message")
	log.Info("info message", Ctx{"key": "value"})
	log.Warn("warn message", Ctx{"a": 1, "b": 2})
	log.Error("error message")
}

func TestAddContextMerges(t *testing.T) {
	log := NewNop().AddContext(Ctx{"unit": "test.socket"})

	// AddContext must return a Logger usable exactly like the original,
	// carrying the extra field on every subsequent call.
	log.Info("started")
	log.Info("with extra field", Ctx{"n": 1})

	if got := log.(*logrusLogger).entry.Data["unit"]; got != "test.socket" {
		t.Errorf("AddContext entry field unit = %v, want test.socket", got)
	}
}

func TestFieldsMergesMultipleContexts(t *testing.T) {
	l := &logrusLogger{entry: NewNop().(*logrusLogger).entry}

	f := l.fields([]Ctx{{"a": 1}, {"b": 2}})
	if f["a"] != 1 || f["b"] != 2 {
		t.Errorf("fields() = %v, want a=1 b=2", f)
	}
}

func TestFieldsEmpty(t *testing.T) {
	l := &logrusLogger{entry: NewNop().(*logrusLogger).entry}

	if f := l.fields(nil); f != nil {
		t.Errorf("fields(nil) = %v, want nil", f)
	}
}
