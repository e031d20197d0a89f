/*
Package payment implements the HTTP-402 micropayment state machine, on both
sides of the wire.

The Dispatcher is the provider side. Every capability call funnels through
Dispatch, which walks one deterministic path:

	request without payment
	    ├── caller identity present and unused → free trial, execute
	    └── otherwise → 402 challenge (derivation prefix + fee terms)
	request with payment
	    ├── replayed transaction → reject
	    ├── internalize output 0 → reject on failure or underpayment
	    ├── fee output missing → reject (parser uncertainty only warns)
	    └── execute, sign receipt, credit referrer

The Client is the consumer side: it POSTs once, reads the 402 challenge,
builds a transaction paying the provider at the derived destination plus the
network fee output, and retries with the payment header attached. A budget
cap aborts before any satoshis move.

Receipts are signed to the shared "anyone" key, so any third node can verify
a receipt it is shown without talking to the provider.

Replay protection is two layers deep: a FIFO dedupe set over the raw
transaction hash inside the dispatcher, and the wallet's own refusal to
internalize the same output twice. The dedupe set is bounded, so a node that
runs for months does not grow without limit; the oldest entries age out
first, by which time the wallet layer has long since recorded the output.
*/
package payment
