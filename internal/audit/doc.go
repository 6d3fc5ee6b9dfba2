// Package audit keeps the operation journal: one entry for every device
// operation, selection, poke and login performed through the local API,
// with the client that asked for it and how it ended.
package audit
