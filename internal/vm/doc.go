// Package vm drives individual VMs through their lifecycle on libvirt.
//
// State machine:
//
//	UNDEFINED --Define--> SHUTOFF --Start--> RUNNING <--Pause/Resume--> PAUSED
//	RUNNING/PAUSED --Stop--> SHUTOFF --Undefine--> UNDEFINED
//
// CRASHED, DYING and PMSUSPENDED are only ever observed.
//
// Idempotence:
//
// Start on RUNNING, Stop on SHUTOFF and Undefine on UNDEFINED succeed
// without touching the hypervisor, so a retried orchestrator step is safe.
//
// Device exclusivity:
//
// Define consults a ClaimSource covering every cluster on the host and
// refuses devices held by another VM. Ownership (cluster, role, devices) is
// also written into the domain's metadata.
//
// Errors:
//
// Errors the libvirt daemon returns are wrapped as-is; a failed RPC
// (connection lost, daemon gone) is an errdefs.HypervisorTransportError.
package vm
