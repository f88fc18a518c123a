package schema

// RegisterCore adds the message types every agent shares: the CLI bridge
// command and the lifecycle events the runtime itself publishes.
func RegisterCore(r *Registry) {
	r.Register(Definition{Name: "cli_request", Kind: KindCommand, Required: []string{"line"}, Fields: map[string]FieldType{"line": FieldString}})
	// cli_request also rides the query primitive so interactive sessions
	// get a correlated reply.
	r.Register(Definition{Name: "cli_request", Kind: KindQuery, Required: []string{"line"}, Fields: map[string]FieldType{"line": FieldString}})
	r.Register(Definition{Name: "cli_response", Kind: KindEvent})
	r.Register(Definition{Name: "restarted", Kind: KindEvent})
	r.Register(Definition{Name: "status", Kind: KindQuery})
	r.Register(Definition{Name: "status_reported", Kind: KindEvent})
}
