/*
Package mailbox implements named HTTP callback endpoints with blocking
waiters, bound to in-flight provisions: a host posts to a URL carrying
an instance id and a one-shot token, and the task tree waiting on that
token's endpoint wakes with the posted message.
*/
package mailbox
