/*
Package fabric dispatches bond-group/VLAN assignments to per-switch
dialects (pkg/fabric/nxos, pkg/fabric/sonic), serializing commands to
the same switch while letting different switches configure in
parallel.
*/
package fabric
