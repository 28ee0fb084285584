// Package storage provides the GORM-backed implementation of the job store
// and checkpoint store. All status mutations are conditional updates guarded
// by the expected prior status, so a racing runner, recovery pass, or cancel
// request can never clobber a transition it did not own.
package storage
