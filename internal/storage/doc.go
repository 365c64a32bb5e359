// Package storage opens the sqlite database backing the marketplace
// and applies embedded migrations. Domain packages own their own queries;
// storage only hands out the connection and a transaction helper.
package storage
