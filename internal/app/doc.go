// Package app wires the licensing service together and owns its lifecycle.
//
// Initialization order:
//
//	1. Load configuration from defaults, YAML file and environment
//	2. Initialize logging and OpenTelemetry
//	3. Compute the machine fingerprint and open the activation store
//	4. Build the authority client, verifier and activation controller
//	5. Build the WebSocket hub, telemetry reporter and HTTP router
//
// Run starts the startup validation, periodic revalidation, the hub, the
// reporter and the HTTP server in one errgroup and stops them together:
//
//	application, err := app.NewApplication(ctx)
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
package app
