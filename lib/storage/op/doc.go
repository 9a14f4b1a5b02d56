// Package op models the operations a Web Storage backend executes.
//
// An Operation describes one requested action (GetCount, GetKeyByIndex,
// GetItem, SetItem, SetItemReadOnly, Clear, ClearReadOnlyAware, Enumerate,
// FlushToDisk), its inputs, its result slot and its completion (a Callback or
// an Enumerator). Executing an operation once yields an Outcome that is
// either Done, Failed or Pending; Pending means the operation stays at the
// head of its Queue and is executed again from the top later.
//
// Terminate is the single path by which an operation finishes. It runs the
// completion exactly once; further calls are ignored.
package op
