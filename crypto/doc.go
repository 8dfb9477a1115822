/*
Package crypto makes the TLS configuration available that imask presents to
POP3 clients. Certificate and key material is expected to be issued
externally; imask only loads it.
*/
package crypto
