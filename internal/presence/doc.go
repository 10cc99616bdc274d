// Package presence tracks attendant availability and workload. The snapshot
// ordering (least loaded first, then least recently assigned) doubles as the
// auto-assign candidate order.
package presence
