// Package storage provides the persistence backends of the grid packages.
//
// This package includes:
//   - GormStorage: the queue transport on any GORM database
//   - GormCodeStore and GormHostLocker: code archives and host locks in the same database
//   - RedisCodeStore and RedisHostLocker: the same two concerns on Redis
//
// Open connects to the database named by a config.Database.
package storage
