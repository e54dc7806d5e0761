// Package attachment validates inbound files and keeps accepted ones in a
// per-session store. Messages reference stored attachments with
// core.FilePart; the bytes are resolved again only for the provider call.
package attachment
