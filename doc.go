// Package beepboop coordinates multi-agent work on shared directories.
//
// A directory is claimed by writing a BOOP.json hold marker and released by
// replacing it with a BEEP.json release marker. The package exposes an
// embeddable Server that serves the coordination tools over HTTP, delivers
// user-facing updates to chat platforms, and correlates asynchronous replies
// from a shared message store.
//
// Minimal usage:
//
//	cfg := beepboop.Config{Listen: ":9800", MessageInbox: "/var/lib/beepboop/inbox"}
//	srv, err := beepboop.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
//	defer srv.Close()
package beepboop
