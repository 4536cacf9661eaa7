package direvent

// LegalNotice provides license notices for direvent itself and any
// third-party dependencies.
const LegalNotice = `direvent

Licensed under the terms of the MIT License. A copy of this license can be
found online at https://opensource.org/licenses/MIT.

================================================================================
direvent depends on the following third-party software:
================================================================================

Go, the Go standard library, and the golang.org/x/sys subrepository.
https://golang.org/

cobra and pflag, https://github.com/spf13/cobra, https://github.com/spf13/pflag
errors, https://github.com/pkg/errors
color, https://github.com/fatih/color
go-isatty, https://github.com/mattn/go-isatty
doublestar, https://github.com/bmatcuk/doublestar
uuid, https://github.com/google/uuid
yaml.v3, https://gopkg.in/yaml.v3

Each is used under the terms of its own license; see the respective project
for full license text.
`
