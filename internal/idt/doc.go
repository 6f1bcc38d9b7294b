// Package idt builds and owns an x86-64 interrupt descriptor table.
//
// A Manager is created over table Memory and the boot Processor, then driven
// through the boot stages in order:
//
//	InstallEarlyHandlers        (optional)
//	InstallEarlyTraps
//	InstallDefaultTraps
//	InstallEarlyPageFault       (optional)
//	InstallDedicatedStackTraps
//	InstallSystemVectors
//	Finalize
//
// Until Finalize, other subsystems may take vectors with RegisterVector or
// AllocateVector. Finalize fills the remaining vectors with generic stubs,
// moves the processor to a read-only alias of the table and closes the setup
// latch. Sequencing mistakes panic; registration rejections are errors.
package idt
