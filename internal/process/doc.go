// Package process starts and stops the child processes of the control room.
//
// Two kinds of children are managed here:
//
//   - Modules, started by a Supervisor. Each module is launched in its own
//     process group with the full parent environment and a generated
//     command line. Stopping a module terminates its whole process tree:
//     children get SIGTERM for up to five rounds, then the module itself is
//     killed and reaped.
//   - The log sink, run by a Manager. It receives SIGTERM on Stop and is
//     killed if it does not exit within its graceful timeout. The Manager
//     can optionally restart the sink when it dies.
//
// Output from every child is captured line by line into the structured logger.
//
// Example usage:
//
//	sup := process.NewSupervisor()
//	h, err := sup.Start(process.StartRequest{
//	    Name:     "dp-ao-communication",
//	    Root:     "/opt/modules",
//	    Subdir:   "dp-ao-communication",
//	    Binary:   "python3",
//	    BaseArgs: []string{"-m", "api.server"},
//	    Host:     "127.0.0.1",
//	    Port:     9001,
//	    LogLevel: 10,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sup.StopTree(h)
package process
