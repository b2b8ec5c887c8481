// Package adapter defines the contract between the job engine and whatever
// actually runs commands on remote hosts, along with the registry the engine
// resolves adapters from and the credential resolution done before a run.
package adapter
