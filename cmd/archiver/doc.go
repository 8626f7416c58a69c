// Command archiver claims batches from the coordinator, captures them with
// the external fetcher and uploads the resulting archives.
package main
