// Command veritas inspects and verifies the audit and report chains held in
// a durable veritas store.
//
//	veritas audit verify <kind> <id>   verify one subject chain
//	veritas audit trail <session>      list a session newest first
//	veritas audit report <session>     summarize a session
//	veritas audit pii-report           PII access report with findings
//	veritas audit export               dump entries as json, jsonl or csv
//	veritas report history <id>        list a report's versions
//	veritas report verify <id>         verify a report's version chain
//	veritas report show <version>      print one version
//	veritas report diff <a> <b>        diff two versions
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
