// Package dedupe drops protocol messages that were already handled for a
// tenant within a configurable window. Networks redeliver on reconnect; the
// session supervisor consults the cache before persisting an inbound message.
package dedupe
