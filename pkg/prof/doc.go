// Package prof records runtime profiles of a running HECI bus or host.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./examples/fifo-ipc/loopback/firmware
//
// Without the tag, [Start] returns a session whose [Session.Stop] does
// nothing, so callers can leave profiling wired in unconditionally.
//
// A session is described by [Options]. CPU samples stream to cpu.pprof in
// the output directory for the life of the session, and each snapshot
// profile is written to <name>.pprof when the session stops:
//
//	s, err := prof.Start(prof.Options{
//	    Dir:       "profiles",
//	    CPU:       true,
//	    Snapshots: []prof.Profile{prof.ProfileHeap, prof.ProfileMutex},
//	    MutexFraction: 1,
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// The credit wait of a busy connection shows up in the block profile, and
// contention on the bus registry in the mutex profile. Both need a nonzero
// rate in [Options] before anything is recorded.
//
// Only one CPU profile may run per process; a second session asking for
// one fails with [ErrCPUProfileActive].
package prof
