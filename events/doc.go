// Package events defines the event model shared by every service in the
// runtime: topics, schema-validated payloads, and the envelope that carries
// them across the bus. It is the single place where the topic/payload
// contract between services (and external adapters such as the dashboard
// bridge) is declared and enforced.
//
// Design decisions:
//   - Closed payload set: Every topic is bound to exactly one Go payload type
//     in a Registry; payloads are validated at the bus boundary, not in
//     handler bodies
//   - Versioned schemas: Each registration carries a schema_version; schema
//     evolution is additive within a version, breaking changes bump it
//   - Introspectable: Registrations expose a JSON schema (reflected with
//     invopop/jsonschema) so external adapters can discover the contract
//   - Correlation: A conversation ID travels on the envelope and is
//     propagated through context.Context across causally related emissions
//
// Example usage:
//
//	registry := events.NewRegistry()
//	if err := events.Register[events.ModeTransitionRequested](
//	    registry, events.TopicModeTransitionRequest, 1,
//	); err != nil {
//	    return err
//	}
//
//	payload := events.ModeTransitionRequested{Target: "interactive"}
//	if _, err := registry.Validate(events.TopicModeTransitionRequest, payload); err != nil {
//	    var verr *events.ValidationError
//	    if errors.As(err, &verr) {
//	        // the payload was bad; nothing was dispatched
//	    }
//	}
//
// The package deliberately has no dependency on the bus: it describes what
// flows through the system, the bus decides how.
package events
