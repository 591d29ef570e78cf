// Package group is a task source made of ordered groups.
//
// Groups run strictly one after another; a group is started only when every
// task of the previous one finished. Inside a group, tasks with identical
// ordering constraints form a set, and the sets are ordered by file extension
// production (ext_out before ext_in) and by after/before relations between
// task kinds. How a group is cut into batches depends on the Algorithm.
package group
