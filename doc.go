// Package xferd is a privileged file transfer daemon. A trusted control plane
// registers transfer jobs on the command channel; each job names an operating
// system user, the files the client may touch and a one-time secret. Clients
// log in on the control listener with that secret and move data over one or
// more parallel data connections while the session acts with the identity of
// the job's user.
//
// # Running a server
//
//	cfg := xferd.Config{
//	    Listen:    "0.0.0.0:64434",
//	    CmdListen: "127.0.0.1:64435",
//	    CmdBundle: "/etc/xferd/server.pem",
//	    ACLFile:   "/etc/xferd/acl",
//	}
//	srv, err := xferd.NewServer(cfg, xferd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("xferd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// When the daemon runs as root every session is started as a child process
// ("xferd session") with the credentials of the job's user. Unprivileged
// daemons serve sessions in-process as their own user.
//
// # Command channel
//
// Requests are key=value lines terminated by END. request-type selects
// uftp-transfer-request, uftp-ping-request or uftp-get-user-info-request.
// With CmdBundle set the channel requires mutual TLS and admits only the
// client subjects listed in ACLFile.
package xferd
