// Package cel provides a warden.ConditionCompiler backed by Google's cel-go.
// See https://github.com/google/cel-go and https://github.com/google/cel-spec
// for the language.
//
// The event is available to expressions as the map variable "event". Nested
// objects are nested maps, so a dotted field path reads naturally:
//
//	event.raw.matches("^LOGIN")
//	event.status == "fail" && event.source.ip.startsWith("10.")
//	has(event.user.name)
//	event.alert.level >= 5
//
// Because the event has no static schema, a reference to a missing field is an
// evaluation error. Such checks do not match, so a check on a field the event
// does not carry simply evaluates to false. Use has() to test for presence.
//
// Numbers held by an event are int64 or float64. Ordering comparisons across
// the two (event.score > 2) are enabled.
package cel
