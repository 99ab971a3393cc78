/*
   Package election decides which node owns each overlay network.
   The owner runs the network's DHCP server and is the authority on
   its membership, so there should be exactly one.

   There's no leader. Every node broadcasts what it owns, and when an
   owner shuts down it offers each of its networks to up to three
   peers, ranked by how recently they were heard from. Each candidate
   waits a time that depends on its rank (1s, 30s, 60s) before
   claiming the network; the first to succeed broadcasts a move ack,
   which cancels the others' pending claims. A node that crashes
   without handing off leaves its networks orphaned, and the resume
   sweep shortly after each agent starts picks those up.

   This only guarantees one owner eventually. Two nodes can briefly
   both believe they own a network if an ack is lost.
*/

package election
