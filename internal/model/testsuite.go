package model

import "time"

// TestKind classifies what a sandbox check exercises.
type TestKind string

const (
	TestFunctional  TestKind = "functional"
	TestPerformance TestKind = "performance"
	TestSecurity    TestKind = "security"
	TestIntegration TestKind = "integration"
	TestSmoke       TestKind = "smoke"
)

// TestOutcome is the per-case result.
type TestOutcome string

const (
	TestPassed  TestOutcome = "PASSED"
	TestFailed  TestOutcome = "FAILED"
	TestSkipped TestOutcome = "SKIPPED"
	TestErrored TestOutcome = "ERROR"
)

// TestCase is one check to run against the sandboxed copy of an asset.
type TestCase struct {
	Name    string        `json:"name"`
	Kind    TestKind      `json:"kind"`
	Command string        `json:"command,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Skip    bool          `json:"skip,omitempty"`
}

// TestSuite groups cases of one kind.
type TestSuite struct {
	Name  string     `json:"name"`
	Kind  TestKind   `json:"kind"`
	Cases []TestCase `json:"cases"`
}

// TestResult records one executed case.
type TestResult struct {
	Suite    string        `json:"suite"`
	Case     string        `json:"case"`
	Outcome  TestOutcome   `json:"outcome"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SuitesPassed reports whether the results contain zero failed and zero
// errored cases. Skips do not count against the run.
func SuitesPassed(results []TestResult) bool {
	for _, r := range results {
		if r.Outcome == TestFailed || r.Outcome == TestErrored {
			return false
		}
	}
	return true
}
