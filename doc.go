// Package fprime is a component messaging and scheduling kernel for
// embedded-style Go services: components that talk only through typed
// ports, bounded priority queues that never allocate on the hot path, a
// pool of pre-allocated buffers and rate groups that run work on a fixed
// cadence and report when it does not fit.
//
// # Architecture Overview
//
// A system is a Topology, frozen once started:
//  1. **Components**: passive (no thread, no queue), queued (a queue drained
//     by someone else's thread) or active (a queue drained by its own
//     goroutine)
//  2. **Ports**: typed sync, guarded or async inputs connected to outputs of
//     a matching Schema
//  3. **Queues**: bounded, priority ordered, with block, drop-newest,
//     drop-oldest or hook overflow policies
//  4. **Buffer Manager**: fixed bins of fixed-size buffers with generation
//     checked handles
//  5. **Rate Groups**: ordered scheduling ports invoked once per tick, with
//     overrun and slip detection
//  6. **Health**: ping round trips through component queues, escalating
//     to warnings and faults
//  7. **Event Log**: kernel events recorded to SQLite or JSONL
//
// # Declaring a Topology
//
//	t := fprime.NewTopology(fprime.Config{Name: "demo", BaseTick: 10 * time.Millisecond}, nil)
//
//	sink, _ := t.NewComponent(fprime.ComponentConfig{Name: "sink", Kind: fprime.KindActive})
//	sink.AddInput(fprime.InputConfig{
//		Name:    "in",
//		Kind:    fprime.PortAsync,
//		Schema:  fprime.DataSchema,
//		Handler: func(c *fprime.Call) error { return nil },
//	})
//
//	src, _ := t.NewComponent(fprime.ComponentConfig{Name: "src"})
//	out, _ := src.AddOutput(fprime.OutputConfig{Name: "out", Schema: fprime.DataSchema})
//	...
//	if err := t.ConnectByName("src.out", "sink.in"); err != nil {
//		log.Fatal(err)
//	}
//	if err := t.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer t.Stop()
//
// # Deployments
//
// The same system can be described in YAML and built with LoadDeployment
// and Deployment.Build. Deployment components are harnesses: each has a
// "sched" input that emits a counter on "out" and, when configured,
// a buffer on "bufout".
//
//	name: pipeline
//	base_tick: 10ms
//	components:
//	  - name: source
//	  - name: sink
//	    kind: active
//	rate_groups:
//	  - name: fast
//	    period: 10ms
//	    members: [source.sched]
//	connections:
//	  - from: source.out
//	    to: sink.in
//
// # Configuration
//
// Config values are layered: defaults, the deployment file, FPRIME_*
// environment variables (LoadConfigMultiSource), then command-line flags
// (ConfigManager).
//
// # Error Handling
//
// Every error carries a code from the ErrCode* constants, readable with
// ErrorCode and HasCode. Faults with no caller to return to, such as a
// failing async handler or a rate group overrun, go to Config.OnFault and
// are reported as events.
package fprime
