// Package bus implements the runtime's publish/subscribe event bus: topic
// registration, handler dispatch, cleanup, and the transactional
// multi-emission helper. It is the only state shared between services;
// everything else a service owns is private and all cross-service effects
// flow through emitted events.
//
// Design decisions:
//   - Identity tokens: A subscription is addressed by a generated handle,
//     never by using the handler value as a map key, so removal can never
//     fail on handler equality or hashability
//   - Registered-before-return: Subscribe does not return until the
//     subscription is visible to the next Emit; there is no window where a
//     caller believes it is subscribed but is not
//   - Validate-then-dispatch: Payloads are checked against the topic's
//     registered schema before dispatch; an invalid payload produces an
//     immediate *events.ValidationError and reaches no handler
//   - Isolation by default: One handler's error or timeout is captured and
//     reported without aborting its siblings; strict mode flips that so a
//     handler failure fails the whole Emit
//   - Off-path blocking work: Handlers marked blocking run on a worker pool
//     and are not awaited by Emit, so a stalled device driver cannot stall
//     the bus
//   - Foreign-thread handoff: Post is the one sanctioned way to submit an
//     event from outside the dispatch context (hardware callbacks, socket
//     readers); it queues the event and a pump dispatches it on the bus's
//     own execution context
//
// Example usage:
//
//	registry := events.NewRegistry()
//	b, err := bus.New(registry)
//	if err != nil {
//	    return err
//	}
//	defer b.Shutdown(context.Background())
//
//	handle, err := b.Subscribe(topic, func(ctx context.Context, evt events.Envelope) error {
//	    // react to evt
//	    return nil
//	})
//	if err != nil {
//	    return err
//	}
//	defer b.Unsubscribe(handle)
//
//	if _, err := b.Emit(ctx, topic, payload); err != nil {
//	    // *events.ValidationError: the payload was bad
//	    // bus.ErrClosed: the bus is gone
//	}
package bus
