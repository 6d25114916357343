// Package instrumentation provides OpenTelemetry metrics and tracing for the
// login client, session manager, request pipeline and storage backends.
//
// Instrumentation is opt-in. Components accept an *Instrumentation through a
// setter or config field and fall back to doing nothing when it is nil:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "my-cli",
//	    ServiceVersion: "1.2.0",
//	    Enabled:        true,
//	    MeterProvider:  sdkMeterProvider, // optional, no-op by default
//	    TracerProvider: sdkTracerProvider, // optional, no-op by default
//	})
//	if err != nil {
//	    return err
//	}
//	defer inst.Shutdown(ctx)
//
//	store.SetInstrumentation(inst)
//
// Metrics
//
// Login flow:
//   - oauth.authorization.started: authorization URLs issued
//   - oauth.callback.processed: callbacks handled, by result
//   - oauth.code.exchanged: code exchanges, by result
//   - oauth.state.mismatch: callbacks rejected by the state check
//
// Session:
//   - oauth.token.refreshed: provider refresh calls, by result
//   - oauth.refresh.deduplicated: refresh requests that joined an in-flight refresh
//   - oauth.request.retried: requests replayed after a 401, by result
//   - oauth.session.cleared: sessions wiped, by reason
//
// Storage:
//   - storage.operation.total and storage.operation.duration, by operation and result
//
// Attribute values never include tokens, codes, verifiers or state values.
package instrumentation
