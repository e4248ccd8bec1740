/*
Package cab writes and reads Microsoft cabinet (.cab) archives, the
container Windows Installer packages use for their compressed files.

# Background and Theory Of Operations

A cabinet holds a list of folders and a list of files. A folder is a
single compression stream made of data blocks of at most 32k of
uncompressed input; files are addressed by their uncompressed offset
inside a folder. Several cabinets can be chained into a set, in which
case a folder may continue from one cabinet into the next.

The Writer streams file content into blocks as files are added. Blocks
are spilled to a temporary file next to the destination, and each
cabinet is assembled once its size is known. When the next block would
push a cabinet past its maximum size, the cabinet is closed and a new
one is started. The names of the extra cabinets are reported through a
SplitFunc when the writer completes.

Only the stored and MSZIP compression types are produced. LZX levels
are mapped onto MSZIP with matching deflate effort.

# References

The cabinet format is described at
https://docs.microsoft.com/en-us/openspecs/exchange_server_protocols/ms-cab/
and the WiX Media element at
https://wixtoolset.org/documentation/manual/v3/xsd/wix/media.html
*/
package cab
