// Command adintel runs the ad intelligence service: the HTTP API, the
// provider webhook receiver, the task workers and the reconcile sweep.
//
// Configuration comes from an optional YAML file passed with -config,
// a .env file in the working directory, and ADINTEL_* environment
// variables, in increasing order of precedence.
package main
