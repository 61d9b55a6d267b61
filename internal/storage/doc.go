// Package storage provides the persistence layer used by the bot.
//
// Data is organised as named collections of key/value records, each value
// being a JSON document. The automod engine keeps one collection per concern
// (guild configs, spam tracker, raid tracker, warnings). An append-only audit
// log records enforcement actions.
//
// Drivers: "file" (snapshot + journal per collection), "sqlite" (build tag),
// "redis" (one hash per collection) and "memory".
package storage
