// Package reply produces the text answered to customers. The router only
// depends on the Engine interface; KeywordEngine is the built-in rule-based
// implementation and carries the branch prompt unused, leaving room for
// model-backed engines.
package reply
