/*
Package config holds the configuration file definition for a child worker.

Mailfdm uses a single config file, mailfdm.conf. It is never reloaded during
the lifetime of a running child process; a changed config only takes effect
for the next invocation.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines
    with a value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

Run "mailfdm describeconfig" to print an annotated, empty example of
mailfdm.conf generated from the struct definitions in this package.
*/
package config
