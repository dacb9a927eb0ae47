// Package watch turns filesystem activity into rule pulses.
//
// Each rule gets one supervised watcher goroutine over its configured paths.
// fsnotify watches are not recursive, so recursive rules register every
// subdirectory and pick up newly created ones on the fly. File roots are
// watched through their parent directory; a direct file watch dies silently
// when an editor replaces the file, a directory watch does not.
//
// Watchers self-heal: when a watcher breaks or a root goes missing, the loop
// recreates it with a jittered backoff, so a rule pointed at a directory that
// does not exist yet starts firing as soon as the directory appears.
//
// Known gap: files landing in a brand-new directory before its watch is
// registered are not seen; subsequent writes are.
package watch
