// Package testutil provides fluent builders for agent state and execution
// plans used across the test suites. The builders favour readability of test
// setup over completeness; construct unusual shapes directly when needed.
package testutil
