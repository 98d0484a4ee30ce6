// Package mysql provides repositories backed by MySQL for archiving trust
// observations. A JSON-lines file repository with the same interface serves
// local development without a database.
package mysql
