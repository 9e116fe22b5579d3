/*
Package ingest runs the polling loop that feeds decoded records to a callback.

A Loop is initialized from the layered configuration, builds its transport
through a SourceFactory and then, in Receive, repeatedly polls a bounded batch,
decodes every record with a pooled envelope decoder and reports each one to a
hub.Callback as either a MessageRecord or a Failure. A pacing delay separates
consecutive polls. Per-record failures never stop the loop; transport failures
do.

	loop := ingest.New(ingest.WithLogger(logger))
	if err := loop.Init(ctx); err != nil {
		return err
	}
	go loop.Receive(ctx, []string{"commands"}, router)
	defer loop.Stop()
*/
package ingest
