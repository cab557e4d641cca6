package lcbn

import "fmt"

// CallbackType classifies one logical callback invocation.
type CallbackType uint8

const (
	// CBInitialStack is the synthetic root of every callback tree. It is
	// registered once per session and never executed through ThreadYield.
	CBInitialStack CallbackType = iota + 1
	CBTimer
	CBIORead
	CBIOWrite
	CBConnection
	CBClose
	CBAsync
	CBWork      // work item body, runs on a worker
	CBAfterWork // work item completion, runs on the looper

	// CBAny is the wildcard returned by NextLCBNType when the scheduler has
	// no opinion (record mode, diverged or exhausted replay).
	CBAny
)

var callbackTypeNames = map[CallbackType]string{
	CBInitialStack: "initial-stack",
	CBTimer:        "timer",
	CBIORead:       "io-read",
	CBIOWrite:      "io-write",
	CBConnection:   "connection",
	CBClose:        "close",
	CBAsync:        "async",
	CBWork:         "work",
	CBAfterWork:    "after-work",
	CBAny:          "any",
}

func (t CallbackType) String() string {
	if s, ok := callbackTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("callback-type(%d)", uint8(t))
}

// MarshalText renders the type as its stable name; the schedule file format
// depends on these names, not on the numeric values.
func (t CallbackType) MarshalText() ([]byte, error) {
	s, ok := callbackTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("lcbn: unknown callback type %d", uint8(t))
	}
	return []byte(s), nil
}

func (t *CallbackType) UnmarshalText(b []byte) error {
	for typ, name := range callbackTypeNames {
		if name == string(b) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("lcbn: unknown callback type %q", string(b))
}
